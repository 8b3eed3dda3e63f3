package aichat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

var (
	// Version, CommitSHA and BuildTime are set at build time with:
	// -ldflags "-X github.com/mist8kengas/ai-chat-bot/aichat.Version=$$(date +'%Y%m%d')"
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// AIChat is the bot: the Discord session, the request pipeline behind
// its two entry points, and the optional HTTP servers.
type AIChat struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	store      CooldownStore
	gateway    CompletionGateway
	pipeline   *Pipeline
	persona    Persona
	translator *Translator
	metrics    *Metrics
	db         DBI

	referenceCache *cache.Cache

	api           *API
	webhookServer *DiscordWebhookServer

	// eventWG tracks in-progress event handlers, so shutdown can wait
	// for them
	eventWG   *sync.WaitGroup
	runMu     sync.Mutex
	startedAt time.Time
}

// New validates config and builds the bot. Nothing is connected until Run.
func New(ctx context.Context, config *Config) (*AIChat, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	a := &AIChat{
		config:  config,
		metrics: NewMetrics(),
		eventWG: &sync.WaitGroup{},
	}
	a.logHandler = newLogHandler(logWriter, config.LogLevel)
	a.logger = slog.New(a.logHandler)
	slog.SetDefault(a.logger)

	var errs []error

	persona, err := LoadPersona(*config.Persona)
	errs = append(errs, err)
	a.persona = persona

	a.translator, err = NewTranslator()
	errs = append(errs, err)

	a.store, err = newCooldownStore(config)
	errs = append(errs, err)

	a.gateway, err = newCompletionGateway(ctx, config)
	errs = append(errs, err)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(logWriter, config.Discord.DiscordGoLogLevel),
	)
	disc, err := newDiscord(
		config.Discord,
		slog.New(newLogHandler(logWriter, config.Discord.LogLevel)),
		a.metrics,
	)
	if err != nil {
		errs = append(errs, err)
	} else {
		disc.session, err = disc.newSession(config.HTTPClient)
		errs = append(errs, err)
		a.discord = disc
	}

	ttl := config.Discord.ReferenceCacheTTL
	if ttl <= 0 {
		ttl = DefaultDiscordReferenceCacheTTL
	}
	a.referenceCache = cache.New(ttl, 2*ttl)

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}

	if config.API.Enabled {
		a.api, err = newAPI(a, config.API)
		errs = append(errs, err)
	}
	if config.Discord.WebhookServer.Enabled {
		a.webhookServer, err = newWebhookServer(ctx, a, config.Discord.WebhookServer)
		errs = append(errs, err)
	}
	return a, errors.Join(errs...)
}

func newCooldownStore(config *Config) (CooldownStore, error) {
	switch config.Cooldown.Backend {
	case CooldownBackendMemory:
		return NewMemoryCooldownStore(), nil
	case CooldownBackendRedis:
		return NewRedisCooldownStore(*config.Redis), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCooldownBackend, config.Cooldown.Backend)
	}
}

func newCompletionGateway(ctx context.Context, config *Config) (CompletionGateway, error) {
	switch config.Completion.Provider {
	case ProviderOpenAI:
		return NewOpenAIGateway(*config.OpenAI, config.Completion.Model, config.HTTPClient), nil
	case ProviderGemini:
		gw, err := NewGeminiGateway(ctx, *config.Gemini, config.Completion.Model, config.HTTPClient)
		if err != nil {
			return nil, err
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, config.Completion.Provider)
	}
}

// initRun connects to the database and the cooldown store, then builds
// the pipeline around the audited gateway.
func (a *AIChat) initRun(ctx context.Context) error {
	if a.db == nil && a.config.Database != "" {
		db, err := CreateDB(
			ctx,
			a.config.DatabaseType,
			a.config.Database,
			newLogHandler(logWriter, a.config.DatabaseLogLevel),
			a.config.DatabaseSlowThreshold,
		)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		a.db = NewDatabase(db, a.logger, a.config.DatabaseType != dbTypeSQLite)
	}

	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		if err := pinger.Ping(ctx); err != nil {
			return err
		}
	}

	var auditor completionAuditor
	if dbAuditor, ok := a.db.(completionAuditor); ok {
		auditor = dbAuditor
	}
	completionLogger := slog.New(newLogHandler(logWriter, a.config.Completion.LogLevel))

	a.pipeline = NewPipeline(
		PipelineConfig{
			Store:   a.store,
			Gateway: newObservedGateway(a.gateway, completionLogger, a.metrics, auditor),
			Persona: a.persona,
			Model:   a.config.Completion.Model,
			Params:  a.config.Completion.GenerationParams,
			Logger:  a.logger,
			Metrics: a.metrics,
		},
	)
	return nil
}

// Run starts the bot and blocks until ctx is cancelled or a component
// fails, then shuts down.
func (a *AIChat) Run(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	a.startedAt = time.Now()

	logger := a.logger
	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", a.config))

	startCtx, startCancel := context.WithTimeout(ctx, a.config.StartupTimeout)
	err := a.initRun(startCtx)
	startCancel()
	if err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.api != nil {
		g.Go(func() error { return a.api.Serve(gctx) })
	}
	if a.webhookServer != nil {
		g.Go(func() error { return a.webhookServer.Serve(gctx) })
	}
	if a.config.Discord.GatewayEnabled {
		g.Go(func() error { return a.openGateway(gctx) })
	} else {
		logger.WarnContext(ctx, "discord gateway disabled, mentions won't be received")
	}

	g.Go(
		func() error {
			<-gctx.Done()
			return a.shutdown(context.WithoutCancel(ctx))
		},
	)

	err = g.Wait()
	logger.InfoContext(ctx, "stopped")
	return err
}

// openGateway adds the gateway event handlers and connects.
func (a *AIChat) openGateway(ctx context.Context) error {
	d := a.discord
	// in-progress events are allowed to finish during shutdown
	eventCtx := context.WithoutCancel(ctx)
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(a.handlerInteractionCreate(eventCtx)),
		d.session.AddHandler(a.handlerMessageCreate(eventCtx)),
	)

	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (a *AIChat) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i == nil || i.Interaction == nil {
			return
		}
		a.eventWG.Add(1)
		defer a.eventWG.Done()
		a.handleInteraction(ctx, newGatewayHandler(a.discord.session, i, a.discord.logger))
	}
}

// RegisterSlashCommands bulk-overwrites the bot's application commands.
func (a *AIChat) RegisterSlashCommands(ctx context.Context) ([]*discordgo.ApplicationCommand, error) {
	return a.discord.registerCommands(
		a.config.Completion.MaxPromptLength,
		discordgo.WithContext(ctx),
	)
}

// RegisterSlashCommands registers the bot's commands using only the
// discord section of config, so no provider credentials are needed.
func RegisterSlashCommands(ctx context.Context, config *Config) ([]*discordgo.ApplicationCommand, error) {
	if config == nil || config.Discord == nil || config.Completion == nil {
		return nil, errors.New("discord and completion config required")
	}
	if err := structValidator.Struct(config.Discord); err != nil {
		return nil, fmt.Errorf("invalid discord config: %w", err)
	}
	disc, err := newDiscord(
		config.Discord,
		slog.New(newLogHandler(logWriter, config.Discord.LogLevel)),
		nil,
	)
	if err != nil {
		return nil, err
	}
	disc.session, err = disc.newSession(config.HTTPClient)
	if err != nil {
		return nil, err
	}
	return disc.registerCommands(
		config.Completion.MaxPromptLength,
		discordgo.WithContext(ctx),
	)
}

// shutdown stops accepting new events, waits for in-progress ones, and
// closes connections.
func (a *AIChat) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.ShutdownTimeout)
	defer cancel()
	logger := a.logger
	logger.InfoContext(ctx, "shutting down")

	var errs []error

	for _, remove := range a.discord.removeHandlerFuncs {
		remove()
	}
	a.discord.removeHandlerFuncs = nil
	if a.config.Discord.GatewayEnabled {
		if err := a.discord.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
		}
	}

	if a.api != nil {
		if err := a.api.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down api server: %w", err))
		}
	}
	if a.webhookServer != nil {
		if err := a.webhookServer.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("error shutting down webhook server: %w", err))
		}
	}

	waitDone := make(chan struct{})
	go func() {
		a.eventWG.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		errs = append(errs, errors.New("timed out waiting for event handlers"))
	}

	if closer, ok := a.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing cooldown store: %w", err))
		}
	}

	if a.db != nil {
		if sqlDB, err := a.db.DB().DB(); err == nil {
			if err = sqlDB.Close(); err != nil {
				errs = append(errs, fmt.Errorf("error closing database: %w", err))
			}
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		logger.ErrorContext(ctx, "shutdown finished with errors", tint.Err(err))
	} else {
		logger.InfoContext(ctx, "shutdown complete", "uptime", time.Since(a.startedAt))
	}
	return err
}
