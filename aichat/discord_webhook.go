package aichat

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiDiscordInteractions = "/discord/interactions"

	// Discord expects the initial response within 3 seconds
	webhookResponseTimeout = 3 * time.Second
)

// DiscordWebhookServer receives interactions over HTTP, as an alternative
// to the gateway.
type DiscordWebhookServer struct {
	config     DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (d *DiscordWebhookServer) Serve(ctx context.Context) error {
	if d.listener == nil {
		ln, err := listen(ctx, d.config.ListenNetwork, d.config.Listen, d.httpServer.TLSConfig)
		if err != nil {
			return err
		}
		d.listener = ln
	}
	if d.httpServer.TLSConfig == nil {
		d.logger.WarnContext(ctx, "starting server without TLS")
	}
	d.logger.InfoContext(ctx, "webhook server listening", "addr", d.listener.Addr().String())
	err := d.httpServer.Serve(d.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func newWebhookServer(
	ctx context.Context,
	a *AIChat,
	config DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	logger := slog.New(newLogHandler(logWriter, config.LogLevel)).With(loggerNameKey, "discord_webhook")

	r := gin.New()
	srv := &DiscordWebhookServer{config: config, engine: r, logger: logger}

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
		return nil, err
	}
	srv.httpServer = httpServer

	if !a.config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		discordRequestAuthenticationMiddleware(a.discord.publicKey),
	)
	r.POST(apiDiscordInteractions, a.webhookReceiveHandler(ctx))
	return srv, nil
}

// webhookReceiveHandler answers PINGs itself, and hands everything else to
// handleInteraction in the background. The first response the command
// sends is written as the HTTP response.
func (a *AIChat) webhookReceiveHandler(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c)

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(c, "error reading body", tint.Err(err))
			c.JSON(http.StatusInternalServerError, httpError{Error: "error reading body"})
			return
		}

		var interaction discordgo.InteractionCreate
		if err = json.Unmarshal(body, &interaction); err != nil || interaction.Interaction == nil {
			logger.WarnContext(c, "error unmarshalling body", tint.Err(err))
			c.JSON(http.StatusBadRequest, httpError{Error: "error unmarshalling body"})
			return
		}

		if interaction.Type == discordgo.InteractionPing {
			logger.InfoContext(c, "received ping")
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			)
			return
		}

		handler := newWebhookHandler(
			newGatewayHandler(
				a.discord.session,
				&interaction,
				a.discord.logger.With(xRequestIDHeader, requestID),
			),
		)
		done := make(chan struct{})
		a.eventWG.Add(1)
		go func() {
			defer a.eventWG.Done()
			defer close(done)
			a.handleInteraction(ctx, handler)
		}()

		timer := time.NewTimer(webhookResponseTimeout)
		defer timer.Stop()

		select {
		case resp := <-handler.Response():
			c.JSON(http.StatusOK, resp)
		case <-done:
			select {
			case resp := <-handler.Response():
				c.JSON(http.StatusOK, resp)
			default:
				logger.WarnContext(c, "interaction finished without a response")
				c.JSON(http.StatusBadRequest, httpError{Error: "interaction not handled"})
			}
		case <-timer.C:
			logger.ErrorContext(c, "timed out waiting for interaction response")
			c.JSON(http.StatusGatewayTimeout, httpError{Error: "timed out"})
		case <-c.Request.Context().Done():
			logger.WarnContext(c, "request cancelled before interaction responded")
		}
	}
}

func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "invalid signature"})
			return
		}
		c.Next()
	}
}

// verifyRequest checks the request's Ed25519 signature over the timestamp
// and body. The body is restored for the next reader.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	var msg bytes.Buffer
	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer
	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	if _, err = io.Copy(&msg, io.TeeReader(r.Body, &body)); err != nil {
		return false
	}
	return ed25519.Verify(key, msg.Bytes(), sig)
}
