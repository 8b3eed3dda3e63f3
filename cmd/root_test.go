package cmd

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mist8kengas/ai-chat-bot/aichat"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetConfig clears viper and the global config, and restores the
// environment once the test finishes.
func resetConfig(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = aichat.DefaultConfig()
			configFile = ""
		},
	)
	os.Clearenv()
	viper.Reset()
	cfg = aichat.DefaultConfig()
	configFile = ""
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetConfig(t)

	envFile := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

AICHAT_DATABASE=/home/foo/aichat.sqlite3
AICHAT_DATABASE_TYPE=sqlite
AICHAT_DATABASE_LOG_LEVEL=INFO
AICHAT_DATABASE_SLOW_THRESHOLD=250ms
AICHAT_LOG_LEVEL=DEBUG
AICHAT_STARTUP_TIMEOUT=20s
AICHAT_SHUTDOWN_TIMEOUT=60s
AICHAT_DEVELOPMENT=true

# Persona

AICHAT_PERSONA_NAME=Lelouch
AICHAT_PERSONA_EMBED_COLOR=255

# Cooldowns

AICHAT_COOLDOWN_BACKEND=redis
AICHAT_COOLDOWN_COMMAND=15s
AICHAT_COOLDOWN_MENTION=0s
AICHAT_COOLDOWN_KEY_POLICY=user
AICHAT_REDIS_ADDR=redis:6379
AICHAT_REDIS_DB=2

# Completion

AICHAT_COMPLETION_PROVIDER=gemini
AICHAT_COMPLETION_MODEL=gemini-2.5-flash
AICHAT_COMPLETION_MAX_PROMPT_LENGTH=256
AICHAT_COMPLETION_TEMPERATURE=0.5
AICHAT_COMPLETION_MAX_TOKENS=512
AICHAT_COMPLETION_LOG_LEVEL=WARN
AICHAT_GEMINI_API_KEY=your-gemini-key

# Discord bot config

AICHAT_DISCORD_TOKEN=your-discord-bot-token
AICHAT_DISCORD_APPLICATION_ID=your-discord-bot-app-id
AICHAT_DISCORD_GUILD_ID=
AICHAT_DISCORD_LOG_LEVEL=WARN
AICHAT_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
AICHAT_DISCORD_CUSTOM_STATUS="talk to me"
AICHAT_DISCORD_GATEWAY_INTENTS=37377
AICHAT_DISCORD_REFERENCE_CACHE_TTL=5m

# Discord webhook server

AICHAT_DISCORD_WEBHOOK_SERVER_ENABLED=true
AICHAT_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5002
AICHAT_DISCORD_WEBHOOK_SERVER_SSL_CERT=/etc/ssl/cert.pem
AICHAT_DISCORD_WEBHOOK_SERVER_SSL_KEY=/etc/ssl/cert.key
AICHAT_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=abcdef0123
AICHAT_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=6s

# API server

AICHAT_API_ENABLED=true
AICHAT_API_LISTEN=127.0.0.1:5005
AICHAT_API_SECRET=your-api-secret
AICHAT_API_LOG_LEVEL=DEBUG
AICHAT_API_REQUESTS_PER_SECOND=2.5
AICHAT_API_REQUEST_BURST=3
AICHAT_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
AICHAT_API_CORS_ALLOW_METHODS=GET DELETE
AICHAT_API_CORS_MAX_AGE=1h
`
	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0o600))

	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/aichat.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel.Level())
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)

	assert.Equal(t, "Lelouch", cfg.Persona.Name)
	assert.Equal(t, 255, cfg.Persona.EmbedColor)
	assert.Equal(t, aichat.DefaultPersonaPrompt, cfg.Persona.SystemPrompt)

	assert.Equal(t, aichat.CooldownBackendRedis, cfg.Cooldown.Backend)
	assert.Equal(t, 15*time.Second, cfg.Cooldown.Command)
	assert.Equal(t, time.Duration(0), cfg.Cooldown.Mention)
	assert.Equal(t, aichat.CooldownKeyUser, cfg.Cooldown.KeyPolicy)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, aichat.DefaultRedisKeyPrefix, cfg.Redis.KeyPrefix)

	assert.Equal(t, aichat.ProviderGemini, cfg.Completion.Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.Completion.Model)
	assert.Equal(t, 256, cfg.Completion.MaxPromptLength)
	assert.Equal(t, aichat.DefaultMaxReplyLength, cfg.Completion.MaxReplyLength)
	assert.InDelta(t, 0.5, cfg.Completion.Temperature, 0.0001)
	assert.InDelta(t, aichat.DefaultPresencePenalty, cfg.Completion.PresencePenalty, 0.0001)
	assert.Equal(t, 512, cfg.Completion.MaxTokens)
	assert.Equal(t, slog.LevelWarn, cfg.Completion.LogLevel.Level())
	assert.Equal(t, "your-gemini-key", cfg.Gemini.APIKey)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assert.True(t, cfg.Discord.GatewayEnabled)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, "talk to me", cfg.Discord.CustomStatus)
	assert.EqualValues(t, 37377, cfg.Discord.GatewayIntents)
	assert.Equal(t, 5*time.Minute, cfg.Discord.ReferenceCacheTTL)

	ws := cfg.Discord.WebhookServer
	assert.True(t, ws.Enabled)
	assert.Equal(t, "127.0.0.1:5002", ws.Listen)
	assert.Equal(t, "tcp", ws.ListenNetwork)
	assert.Equal(t, "/etc/ssl/cert.pem", ws.SSL.Cert)
	assert.Equal(t, "/etc/ssl/cert.key", ws.SSL.Key)
	assert.Equal(t, "abcdef0123", ws.PublicKey)
	assert.Equal(t, 6*time.Second, ws.ReadTimeout)
	assert.Equal(t, aichat.DefaultWriteTimeout, ws.WriteTimeout)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5005", cfg.API.Listen)
	assert.Equal(t, "your-api-secret", cfg.API.Secret)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.InDelta(t, 2.5, cfg.API.RequestsPerSecond, 0.0001)
	assert.Equal(t, 3, cfg.API.RequestBurst)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "DELETE"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, aichat.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, time.Hour, cfg.API.CORS.MaxAge)

	require.NoError(t, aichat.ValidateConfig(cfg))
}

func TestLoadConfigDefaults(t *testing.T) {
	resetConfig(t)

	rootCmd.SetOut(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	rootCmd.SetArgs([]string{"--config=/nonexistent/test.env", "version"})
	require.NoError(t, rootCmd.Execute())

	expected := aichat.DefaultConfig()
	assert.Equal(t, expected.Database, cfg.Database)
	assert.Equal(t, expected.Cooldown, cfg.Cooldown)
	assert.Equal(t, expected.Completion.GenerationParams, cfg.Completion.GenerationParams)
	assert.Equal(t, expected.Discord.GatewayIntents, cfg.Discord.GatewayIntents)
	assert.Equal(t, expected.Discord.LogLevel.Level(), cfg.Discord.LogLevel.Level())
	assert.Empty(t, cfg.API.CORS.AllowOrigins)
	assert.Equal(t, expected.API.CORS.AllowMethods, cfg.API.CORS.AllowMethods)
	assert.Equal(t, expected.API.CORS.MaxAge, cfg.API.CORS.MaxAge)
	assert.False(t, cfg.API.Enabled)

	// no tokens set
	assert.Error(t, aichat.ValidateConfig(cfg))
}

func TestLevelToStringHookFunc(t *testing.T) {
	hook := LevelToStringHookFunc()
	levelVarType := reflect.TypeOf(&slog.LevelVar{})

	testCases := []struct {
		input    string
		expected slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				v, err := hook(reflect.TypeOf(""), levelVarType, tc.input)
				require.NoError(t, err)
				lvl, ok := v.(*slog.LevelVar)
				require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
				assert.Equal(t, tc.expected, lvl.Level())
			},
		)
	}

	t.Run(
		"invalid", func(t *testing.T) {
			_, err := hook(reflect.TypeOf(""), levelVarType, "loud")
			assert.Error(t, err)
		},
	)

	t.Run(
		"other types pass through", func(t *testing.T) {
			v, err := hook(reflect.TypeOf(""), reflect.TypeOf(""), "DEBUG")
			require.NoError(t, err)
			assert.Equal(t, "DEBUG", v)
		},
	)
}
