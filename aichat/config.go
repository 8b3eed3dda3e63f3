//nolint:lll // struct tags can't be split
package aichat

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
)

const (
	EnvvarSetEnvPrefix     = "AICHAT_ENV_PREFIX"
	DefaultEnvPrefix       = "AICHAT"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "aichat.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultCooldownBackend   = CooldownBackendMemory
	DefaultCommandCooldown   = 10 * time.Second
	DefaultMentionCooldown   = 10 * time.Second
	DefaultCooldownKeyPolicy = CooldownKeyContext
	DefaultRedisAddr         = "127.0.0.1:6379"
	DefaultRedisKeyPrefix    = "aichat:cooldown:"

	DefaultCompletionProvider  = ProviderOpenAI
	DefaultOpenAIModel         = openai.GPT3Dot5Turbo0125
	DefaultGeminiModel         = "gemini-2.0-flash"
	DefaultMaxPromptLength     = 512
	DefaultMaxResponseLength   = 4096
	DefaultMaxReplyLength      = 2000
	DefaultCompletionChoices   = 1
	DefaultCompletionMaxTokens = 1024

	DefaultReadTimeout                       = 5 * time.Second
	DefaultReadHeaderTimeout                 = 5 * time.Second
	DefaultWriteTimeout                      = 10 * time.Second
	DefaultIdleTimeout                       = 30 * time.Second
	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	DefaultDiscordCustomStatus               = "/chat with me!"
	DefaultDiscordReferenceCacheTTL          = 10 * time.Minute
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelWarn
	DefaultDiscordgoLogLevel                 = slog.LevelWarn

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPIRequestsPerSecond    = 5.0
	DefaultAPIRequestBurst         = 10
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPICORSAllowCredentials = true

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultCompletionLogLevel    = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

const (
	DefaultTemperature      float32 = 0.9
	DefaultFrequencyPenalty float32 = 0
	DefaultPresencePenalty  float32 = 0.6
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodDelete,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

type Config struct {
	// Database connection string, or the SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to connect to its
	// dependencies before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for a graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	// Development enables pprof routes on the API server
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Persona    *PersonaConfig    `yaml:"persona" mapstructure:"persona" json:"persona" binding:"required"`
	Cooldown   *CooldownConfig   `yaml:"cooldown" mapstructure:"cooldown" json:"cooldown" binding:"required"`
	Redis      *RedisConfig      `yaml:"redis" mapstructure:"redis" json:"redis"`
	Completion *CompletionConfig `yaml:"completion" mapstructure:"completion" json:"completion" binding:"required"`
	OpenAI     *OpenAIConfig     `yaml:"openai" mapstructure:"openai" json:"openai"`
	Gemini     *GeminiConfig     `yaml:"gemini" mapstructure:"gemini" json:"gemini"`
	Discord    *DiscordConfig    `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	API        *APIConfig        `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]" json:"-"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// CooldownConfig configures per-entry-point throttling.
type CooldownConfig struct {
	// Backend is either 'memory' (per process) or 'redis' (shared across instances)
	Backend string `yaml:"backend" mapstructure:"backend" json:"backend" binding:"oneof=memory redis"`

	// Command is the window armed after a successful /chat command.
	// Zero disables the cooldown.
	Command time.Duration `yaml:"command" mapstructure:"command" json:"command" binding:"min=0"`

	// Mention is the window armed after a successful mention reply.
	// Zero disables the cooldown.
	Mention time.Duration `yaml:"mention" mapstructure:"mention" json:"mention" binding:"min=0"`

	KeyPolicy CooldownKeyPolicy `yaml:"key_policy" mapstructure:"key_policy" json:"key_policy" binding:"oneof=context user"`
}

// RedisConfig points the cooldown store at a Redis database.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr" json:"addr"`
	Password  string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`
	DB        int    `yaml:"db" mapstructure:"db" json:"db" binding:"min=0"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix" json:"key_prefix"`
}

// CompletionConfig selects the provider and model, and bounds prompt and
// response sizes.
type CompletionConfig struct {
	Provider string `yaml:"provider" mapstructure:"provider" json:"provider" binding:"oneof=openai gemini"`

	// Model overrides the provider's default model
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	MaxPromptLength int `yaml:"max_prompt_length" mapstructure:"max_prompt_length" json:"max_prompt_length" binding:"min=1,max=6000"`

	// MaxResponseLength bounds responses rendered into embeds
	MaxResponseLength int `yaml:"max_response_length" mapstructure:"max_response_length" json:"max_response_length" binding:"min=1,max=4096"`

	// MaxReplyLength bounds responses sent as plain message replies
	MaxReplyLength int `yaml:"max_reply_length" mapstructure:"max_reply_length" json:"max_reply_length" binding:"min=1,max=2000"`

	GenerationParams `yaml:",inline" mapstructure:",squash"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// OpenAIConfig configures the OpenAI (or OpenAI-compatible) provider
type OpenAIConfig struct {
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// BaseURL overrides the API endpoint, for OpenAI-compatible servers
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`
}

// GeminiConfig configures the Gemini provider
type GeminiConfig struct {
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// GatewayEnabled opens a gateway websocket. Mentions are only received
	// over the gateway, so disabling it leaves only the webhook server.
	GatewayEnabled bool `yaml:"gateway_enabled" mapstructure:"gateway_enabled" json:"gateway_enabled"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is shown under the bot's name once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// ReferenceCacheTTL is how long a fetched reply-reference message is cached
	ReferenceCacheTTL time.Duration `yaml:"reference_cache_ttl" mapstructure:"reference_cache_ttl" json:"reference_cache_ttl" binding:"min=0"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`
}

// DiscordWebhookServerConfig configures the server receiving interactions
// over HTTP instead of the gateway.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true,omitempty,hexadecimal"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Secret is the bearer token required on /api routes
	Secret string `yaml:"secret" mapstructure:"secret" json:"secret" log:"[redacted]" binding:"required_if=Enabled true"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// RequestsPerSecond and RequestBurst configure the token bucket shared
	// by all /api routes. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=0"`
	RequestBurst      int     `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"min=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// ValidateConfig checks struct-level constraints, then the constraints
// spanning sections: credentials for the selected provider, and an address
// for the Redis cooldown backend.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("nil config")
	}
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	var errs []error
	switch c.Completion.Provider {
	case ProviderOpenAI:
		if c.OpenAI == nil || c.OpenAI.Token == "" {
			errs = append(errs, errors.New("openai.token is required for provider 'openai'"))
		}
	case ProviderGemini:
		if c.Gemini == nil || c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("gemini.api_key is required for provider 'gemini'"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownProvider, c.Completion.Provider))
	}

	if c.Cooldown.Backend == CooldownBackendRedis && (c.Redis == nil || c.Redis.Addr == "") {
		errs = append(errs, errors.New("redis.addr is required for cooldown backend 'redis'"))
	}
	if !c.Discord.GatewayEnabled && !c.Discord.WebhookServer.Enabled {
		errs = append(
			errs,
			errors.New("at least one of discord.gateway_enabled or discord.webhook_server.enabled must be set"),
		)
	}
	return errors.Join(errs...)
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	completionLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	completionLogLevel.Set(DefaultCompletionLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Persona:               DefaultPersonaConfig(),
		Cooldown: &CooldownConfig{
			Backend:   DefaultCooldownBackend,
			Command:   DefaultCommandCooldown,
			Mention:   DefaultMentionCooldown,
			KeyPolicy: DefaultCooldownKeyPolicy,
		},
		Redis: &RedisConfig{
			Addr:      DefaultRedisAddr,
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Completion: &CompletionConfig{
			Provider:          DefaultCompletionProvider,
			MaxPromptLength:   DefaultMaxPromptLength,
			MaxResponseLength: DefaultMaxResponseLength,
			MaxReplyLength:    DefaultMaxReplyLength,
			GenerationParams:  DefaultGenerationParams(),
			LogLevel:          completionLogLevel,
		},
		OpenAI: &OpenAIConfig{},
		Gemini: &GeminiConfig{},
		Discord: &DiscordConfig{
			GatewayEnabled:    true,
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			ReferenceCacheTTL: DefaultDiscordReferenceCacheTTL,
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:       false,
				Listen:        DefaultDiscordWebhookServerListen,
				ListenNetwork: defaultListenNetwork,
				SSL: SSLConfig{
					TLSMinVersion: DefaultDiscordWebhookServerTLSminVersion,
				},
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
		},
		API: &APIConfig{
			Enabled:       false,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			RequestsPerSecond: DefaultAPIRequestsPerSecond,
			RequestBurst:      DefaultAPIRequestBurst,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
