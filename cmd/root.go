package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mist8kengas/ai-chat-bot/aichat"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = aichat.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "ai-chat-bot [flags]",
	Short: "Discord bot that relays prompts to a language model",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes viper's settings into c.
func loadConfig(c *aichat.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes strings like 'DEBUG' or 'warn' into a
// *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	setDefaults(aichat.DefaultConfig())

	envPrefix := os.Getenv(aichat.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = aichat.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// no defaults for these, so they have to be bound explicitly (after
	// the prefix is set)
	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key"))

	// space-separated in the environment
	for _, key := range []string{
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.allow_headers",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}
}

// setDefaults registers every config key with viper, so each can be set
// from the environment.
func setDefaults(d *aichat.Config) {
	viper.SetDefault("database", d.Database)
	viper.SetDefault("database_type", d.DatabaseType)
	viper.SetDefault("database_slow_threshold", d.DatabaseSlowThreshold)
	viper.SetDefault("database_log_level", d.DatabaseLogLevel.Level().String())
	viper.SetDefault("log_level", d.LogLevel.Level().String())
	viper.SetDefault("startup_timeout", d.StartupTimeout)
	viper.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	viper.SetDefault("development", false)

	// Persona
	viper.SetDefault("persona.name", d.Persona.Name)
	viper.SetDefault("persona.system_prompt", d.Persona.SystemPrompt)
	viper.SetDefault("persona.embed_title", d.Persona.EmbedTitle)
	viper.SetDefault("persona.embed_color", d.Persona.EmbedColor)
	viper.SetDefault("persona.file", "")

	// Cooldowns
	viper.SetDefault("cooldown.backend", d.Cooldown.Backend)
	viper.SetDefault("cooldown.command", d.Cooldown.Command)
	viper.SetDefault("cooldown.mention", d.Cooldown.Mention)
	viper.SetDefault("cooldown.key_policy", string(d.Cooldown.KeyPolicy))
	viper.SetDefault("redis.addr", d.Redis.Addr)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", d.Redis.DB)
	viper.SetDefault("redis.key_prefix", d.Redis.KeyPrefix)

	// Completion
	viper.SetDefault("completion.provider", d.Completion.Provider)
	viper.SetDefault("completion.model", "")
	viper.SetDefault("completion.max_prompt_length", d.Completion.MaxPromptLength)
	viper.SetDefault("completion.max_response_length", d.Completion.MaxResponseLength)
	viper.SetDefault("completion.max_reply_length", d.Completion.MaxReplyLength)
	viper.SetDefault("completion.temperature", d.Completion.Temperature)
	viper.SetDefault("completion.frequency_penalty", d.Completion.FrequencyPenalty)
	viper.SetDefault("completion.presence_penalty", d.Completion.PresencePenalty)
	viper.SetDefault("completion.choices", d.Completion.Choices)
	viper.SetDefault("completion.max_tokens", d.Completion.MaxTokens)
	viper.SetDefault("completion.log_level", d.Completion.LogLevel.Level().String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("gemini.api_key", "")

	// Discord
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_enabled", d.Discord.GatewayEnabled)
	viper.SetDefault("discord.log_level", d.Discord.LogLevel.Level().String())
	viper.SetDefault("discord.discordgo_log_level", d.Discord.DiscordGoLogLevel.Level().String())
	viper.SetDefault("discord.gateway_intents", int(d.Discord.GatewayIntents))
	viper.SetDefault("discord.custom_status", d.Discord.CustomStatus)
	viper.SetDefault("discord.reference_cache_ttl", d.Discord.ReferenceCacheTTL)

	// Discord: webhook server
	ws := d.Discord.WebhookServer
	viper.SetDefault("discord.webhook_server.enabled", ws.Enabled)
	viper.SetDefault("discord.webhook_server.listen", ws.Listen)
	viper.SetDefault("discord.webhook_server.listen_network", ws.ListenNetwork)
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.tls_min_version", ws.SSL.TLSMinVersion)
	viper.SetDefault("discord.webhook_server.log_level", ws.LogLevel.Level().String())
	viper.SetDefault("discord.webhook_server.read_timeout", ws.ReadTimeout)
	viper.SetDefault("discord.webhook_server.read_header_timeout", ws.ReadHeaderTimeout)
	viper.SetDefault("discord.webhook_server.write_timeout", ws.WriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", ws.IdleTimeout)

	// API
	api := d.API
	viper.SetDefault("api.enabled", api.Enabled)
	viper.SetDefault("api.listen", api.Listen)
	viper.SetDefault("api.listen_network", api.ListenNetwork)
	viper.SetDefault("api.secret", "")
	viper.SetDefault("api.ssl.tls_min_version", api.SSL.TLSMinVersion)
	viper.SetDefault("api.log_level", api.LogLevel.Level().String())
	viper.SetDefault("api.requests_per_second", api.RequestsPerSecond)
	viper.SetDefault("api.request_burst", api.RequestBurst)
	viper.SetDefault("api.read_timeout", api.ReadTimeout)
	viper.SetDefault("api.read_header_timeout", api.ReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", api.WriteTimeout)
	viper.SetDefault("api.idle_timeout", api.IdleTimeout)

	// API: CORS
	viper.SetDefault("api.cors.allow_origins", api.CORS.AllowOrigins)
	viper.SetDefault("api.cors.allow_methods", api.CORS.AllowMethods)
	viper.SetDefault("api.cors.allow_headers", api.CORS.AllowHeaders)
	viper.SetDefault("api.cors.expose_headers", api.CORS.ExposeHeaders)
	viper.SetDefault("api.cors.allow_credentials", api.CORS.AllowCredentials)
	viper.SetDefault("api.cors.max_age", api.CORS.MaxAge)
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
