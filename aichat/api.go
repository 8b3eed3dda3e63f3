package aichat

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck           = "/healthz"
	apiMetrics               = "/metrics"
	apiPrefix                = "/api"
	apiPathCooldown          = "/cooldowns/:key"
	apiPathRegisterCommands  = "/discord/register_commands"
	apiPathRecentCompletions = "/completions"
	pprofPrefix              = "/debug/pprof"
)

// API is the admin HTTP server: health, metrics, and cooldown and audit
// inspection.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	limiter    *rate.Limiter
	logger     *slog.Logger

	a *AIChat
}

func newAPI(a *AIChat, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(logWriter, config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		logger: logger,
		a:      a,
	}
	if config.RequestsPerSecond > 0 {
		api.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.RequestBurst)
	}

	httpServer, err := newHTTPServer(
		r,
		config.Listen,
		config.SSL,
		config.ReadTimeout,
		config.ReadHeaderTimeout,
		config.WriteTimeout,
		config.IdleTimeout,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating api server: %w", err)
	}
	api.httpServer = httpServer

	development := a.config.Development
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = development
		corsConfig.AllowCredentials = corsConfig.AllowCredentials && !development
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(corsConfig.AllowOrigins) > 0 || corsConfig.AllowAllOrigins {
		r.Use(cors.New(corsConfig))
	}

	r.GET(apiHealthCheck, api.healthCheck)
	r.GET(apiMetrics, gin.WrapH(a.metrics.Handler()))

	if development {
		ginPprof.Register(r, pprofPrefix)
	}

	admin := r.Group(apiPrefix, bearerAuthMiddleware(config.Secret), rateLimitMiddleware(api.limiter))
	admin.GET(apiPathCooldown, api.getCooldown)
	admin.DELETE(apiPathCooldown, api.deleteCooldown)
	admin.POST(apiPathRegisterCommands, api.registerCommands)
	admin.GET(apiPathRecentCompletions, api.recentCompletions)

	return api, nil
}

// Serve listens on the configured address and blocks until the server is
// shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		ln, err := listen(ctx, a.config.ListenNetwork, a.config.Listen, a.httpServer.TLSConfig)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api server listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthResponse struct {
	GatewayConnected bool   `json:"gateway_connected"`
	CooldownBackend  string `json:"cooldown_backend"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
}

func (a *API) healthCheck(c *gin.Context) {
	model := a.a.config.Completion.Model
	if model == "" {
		model = a.a.gateway.DefaultModel()
	}
	c.JSON(
		http.StatusOK,
		healthResponse{
			GatewayConnected: a.a.discord.connected.Load(),
			CooldownBackend:  a.a.config.Cooldown.Backend,
			Provider:         a.a.gateway.Provider(),
			Model:            model,
		},
	)
}

type cooldownResponse struct {
	Key         string     `json:"key"`
	Active      bool       `json:"active"`
	RemainingMS int64      `json:"remaining_ms"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (a *API) getCooldown(c *gin.Context) {
	key := c.Param("key")
	state, err := a.a.store.Check(c, key)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error checking cooldown"})
		return
	}
	resp := cooldownResponse{
		Key:         key,
		Active:      state.Active,
		RemainingMS: state.Remaining.Milliseconds(),
	}
	if state.Active {
		resp.ExpiresAt = &state.ExpiresAt
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) deleteCooldown(c *gin.Context) {
	key := c.Param("key")
	removed, err := a.a.store.Remove(c, key)
	switch {
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error removing cooldown"})
	case !removed:
		c.JSON(http.StatusNotFound, httpError{Error: "no cooldown for key"})
	default:
		ginContextLogger(c).InfoContext(c, "removed cooldown", "cooldown_key", key)
		c.Status(http.StatusNoContent)
	}
}

func (a *API) registerCommands(c *gin.Context) {
	created, err := a.a.discord.registerCommands(a.a.config.Completion.MaxPromptLength)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, httpError{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, created)
}

type recentCompletionsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=500"`
}

func (a *API) recentCompletions(c *gin.Context) {
	var query recentCompletionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if a.a.db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not configured"})
		return
	}
	rows, err := a.a.db.RecentCompletions(c, query.Limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching completions"})
		return
	}
	c.JSON(http.StatusOK, rows)
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// bearerAuthMiddleware rejects requests without 'Authorization: Bearer <secret>'.
func bearerAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			ginContextLogger(c).WarnContext(c, "unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware rejects requests once limiter runs out of tokens.
// A nil limiter allows everything.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "rate limited"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware tags every request and response with a unique ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or the default logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware attaches a request logger to the gin context and
// logs each request once it finishes.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()

		latency := time.Since(start)
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// newHTTPServer builds an http.Server for handler, loading TLS certs if
// both a cert and key are configured.
func newHTTPServer(
	handler http.Handler,
	addr string,
	ssl SSLConfig,
	readTimeout time.Duration,
	readHeaderTimeout time.Duration,
	writeTimeout time.Duration,
	idleTimeout time.Duration,
) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	if ssl.Cert != "" && ssl.Key != "" {
		cfg, err := tlsConfig(ssl.Cert, ssl.Key, ssl.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		srv.TLSConfig = cfg
	}
	return srv, nil
}

// listen opens a listener, wrapped in TLS when tlsCfg is set.
func listen(ctx context.Context, network string, addr string, tlsCfg *tls.Config) (net.Listener, error) {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("error listening on %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}
