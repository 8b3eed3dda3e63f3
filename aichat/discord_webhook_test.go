package aichat

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedRequest(
	t testing.TB,
	key ed25519.PrivateKey,
	path string,
	body []byte,
) *http.Request {
	t.Helper()
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := ed25519.Sign(key, append([]byte(timestamp), body...))

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature-Ed25519", hex.EncodeToString(sig))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	return req
}

func TestVerifyRequest(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	body := []byte(`{"type":1}`)

	t.Run(
		"valid", func(t *testing.T) {
			req := signedRequest(t, priv, "/", body)
			require.True(t, verifyRequest(req, pub))

			restored, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, body, restored)
		},
	)

	t.Run(
		"tampered body", func(t *testing.T) {
			req := signedRequest(t, priv, "/", body)
			req.Body = io.NopCloser(bytes.NewReader([]byte(`{"type":2}`)))
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"tampered timestamp", func(t *testing.T) {
			req := signedRequest(t, priv, "/", body)
			req.Header.Set("X-Signature-Timestamp", "1")
			assert.False(t, verifyRequest(req, pub))
		},
	)

	t.Run(
		"other key", func(t *testing.T) {
			otherPub, _, err := ed25519.GenerateKey(nil)
			require.NoError(t, err)
			assert.False(t, verifyRequest(signedRequest(t, priv, "/", body), otherPub))
		},
	)

	t.Run(
		"bad key length", func(t *testing.T) {
			assert.False(t, verifyRequest(signedRequest(t, priv, "/", body), pub[:16]))
		},
	)

	testCases := []struct {
		name   string
		header string
		value  string
	}{
		{name: "missing signature", header: "X-Signature-Ed25519", value: ""},
		{name: "non-hex signature", header: "X-Signature-Ed25519", value: "not-hex"},
		{name: "short signature", header: "X-Signature-Ed25519", value: "abcd"},
		{name: "missing timestamp", header: "X-Signature-Timestamp", value: ""},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				req := signedRequest(t, priv, "/", body)
				req.Header.Set(tc.header, tc.value)
				assert.False(t, verifyRequest(req, pub))
			},
		)
	}
}

func newTestWebhookServer(t testing.TB, bot *testBot) (*DiscordWebhookServer, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bot.discord.publicKey = pub

	cfg := bot.config.Discord.WebhookServer
	cfg.Enabled = true
	srv, err := newWebhookServer(context.Background(), bot.AIChat, cfg)
	require.NoError(t, err)
	return srv, priv
}

func TestWebhookServer_Ping(t *testing.T) {
	bot := newTestAIChat(t)
	srv, priv := newTestWebhookServer(t, bot)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, signedRequest(t, priv, apiDiscordInteractions, []byte(`{"type":1}`)))
	require.Equal(t, http.StatusOK, w.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
	assert.Empty(t, bot.gateway.Calls())
}

func TestWebhookServer_ChatCommand(t *testing.T) {
	bot := newTestAIChat(t)
	srv, priv := newTestWebhookServer(t, bot)

	body, err := json.Marshal(newChatInteraction("who are you?"))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, signedRequest(t, priv, apiDiscordInteractions, body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp discordgo.InteractionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	require.Len(t, resp.Data.Embeds, 1)
	assert.Equal(t, "Thinking...", resp.Data.Embeds[0].Description)

	bot.eventWG.Wait()

	// the initial response went out over HTTP, not the session
	assert.Empty(t, bot.session.Responses())
	edits := bot.session.Edits()
	require.Len(t, edits, 1)
	assert.Equal(t, "```\nhello there\n```", (*edits[0].Embeds)[0].Description)

	calls := bot.gateway.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "who are you?", calls[0].Messages[len(calls[0].Messages)-1].Content)
}

func TestWebhookServer_UnhandledInteraction(t *testing.T) {
	bot := newTestAIChat(t)
	srv, priv := newTestWebhookServer(t, bot)

	i := newChatInteraction("hi")
	i.Data = discordgo.ApplicationCommandInteractionData{ID: "cmd-other", Name: "other"}
	body, err := json.Marshal(i)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, signedRequest(t, priv, apiDiscordInteractions, body))
	bot.eventWG.Wait()

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, bot.gateway.Calls())
}

func TestWebhookServer_Unauthorized(t *testing.T) {
	bot := newTestAIChat(t)
	srv, _ := newTestWebhookServer(t, bot)

	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, signedRequest(t, otherPriv, apiDiscordInteractions, []byte(`{"type":1}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, apiDiscordInteractions, bytes.NewReader([]byte(`{"type":1}`)))
	w = httptest.NewRecorder()
	srv.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookServer_BadBody(t *testing.T) {
	bot := newTestAIChat(t)
	srv, priv := newTestWebhookServer(t, bot)

	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, signedRequest(t, priv, apiDiscordInteractions, []byte(`not json`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
