package aichat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockChatCompletionClient struct {
	request  openai.ChatCompletionRequest
	response openai.ChatCompletionResponse
	err      error
}

func (m *mockChatCompletionClient) CreateChatCompletion(
	_ context.Context,
	request openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	m.request = request
	return m.response, m.err
}

func testCompletionRequest() CompletionRequest {
	return CompletionRequest{
		Messages: AssemblePrompt(
			"You are C.C.",
			assistantHistory("earlier"),
			UserPrompt{Name: "Jane Doe", Text: "hello"},
		),
		Params:   DefaultGenerationParams(),
		CallerID: testUserID,
	}
}

func TestOpenAIGateway_Complete(t *testing.T) {
	client := &mockChatCompletionClient{
		response: openai.ChatCompletionResponse{
			Model: "gpt-test-0613",
			Choices: []openai.ChatCompletionChoice{
				{
					Index:        0,
					Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "first"},
					FinishReason: openai.FinishReasonStop,
				},
				{
					Index:   1,
					Message: openai.ChatCompletionMessage{Role: "assistant", Content: "second"},
				},
			},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16},
		},
	}
	gw := newOpenAIGatewayWithClient(client, "")
	assert.Equal(t, DefaultOpenAIModel, gw.DefaultModel())
	assert.Equal(t, ProviderOpenAI, gw.Provider())

	result := gw.Complete(context.Background(), testCompletionRequest())
	require.True(t, result.OK())
	assert.Equal(t, "gpt-test-0613", result.Model)
	assert.Equal(t, "first", result.FirstText())
	assert.Len(t, result.Choices, 2)
	assert.Equal(t, "stop", result.Choices[0].FinishReason)
	assert.Equal(t, TokenUsage{PromptTokens: 12, CompletionTokens: 4, TotalTokens: 16}, result.Usage)
	assert.NotEmpty(t, result.requestBody)
	assert.NotEmpty(t, result.responseBody)

	req := client.request
	assert.Equal(t, DefaultOpenAIModel, req.Model)
	assert.Equal(t, testUserID, req.User)
	assert.Equal(t, DefaultTemperature, req.Temperature)
	assert.Equal(t, DefaultPresencePenalty, req.PresencePenalty)
	assert.Equal(t, DefaultCompletionChoices, req.N)
	assert.Equal(t, DefaultCompletionMaxTokens, req.MaxTokens)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "You are C.C.", req.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleAssistant, req.Messages[1].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[2].Role)
	assert.Equal(t, "Jane_Doe", req.Messages[2].Name)
	assert.Equal(t, "hello", req.Messages[2].Content)
}

func TestOpenAIGateway_RequestModelOverride(t *testing.T) {
	client := &mockChatCompletionClient{}
	gw := newOpenAIGatewayWithClient(client, "gpt-default")

	req := testCompletionRequest()
	req.Model = "gpt-override"
	result := gw.Complete(context.Background(), req)
	require.True(t, result.OK())
	assert.Equal(t, "gpt-override", client.request.Model)
	assert.Equal(t, "gpt-override", result.Model)
	assert.Equal(t, "", result.FirstText())
}

func TestOpenAIGateway_APIError(t *testing.T) {
	client := &mockChatCompletionClient{
		err: &openai.APIError{
			HTTPStatusCode: http.StatusTooManyRequests,
			Type:           "rate_limit_exceeded",
			Message:        "slow down",
		},
	}
	gw := newOpenAIGatewayWithClient(client, "")

	result := gw.Complete(context.Background(), testCompletionRequest())
	require.False(t, result.OK())
	assert.ErrorContains(t, result.Err, "status 429")

	var apiErr *openai.APIError
	require.ErrorAs(t, result.Err, &apiErr)
	assert.Equal(t, "slow down", apiErr.Message)
	assert.Empty(t, result.Choices)
}

func TestOpenAIGateway_TransportError(t *testing.T) {
	client := &mockChatCompletionClient{err: errors.New("connection reset")}
	result := newOpenAIGatewayWithClient(client, "").Complete(
		context.Background(),
		testCompletionRequest(),
	)
	require.False(t, result.OK())
	assert.ErrorContains(t, result.Err, "openai request failed")
}

func TestOpenAIGateway_HTTP(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/chat/completions", r.URL.Path)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				body, err := io.ReadAll(r.Body)
				assert.NoError(t, err)
				assert.NoError(t, json.Unmarshal(body, &gotBody))

				w.Header().Set("Content-Type", "application/json")
				_, _ = io.WriteString(
					w,
					`{
						"id": "chatcmpl-1",
						"object": "chat.completion",
						"created": 1700000000,
						"model": "gpt-test",
						"choices": [
							{
								"index": 0,
								"message": {"role": "assistant", "content": "hello from the server"},
								"finish_reason": "stop"
							}
						],
						"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
					}`,
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	gw := NewOpenAIGateway(
		OpenAIConfig{Token: "test-token", BaseURL: srv.URL + "/v1"},
		"gpt-test",
		srv.Client(),
	)
	result := gw.Complete(context.Background(), testCompletionRequest())
	require.NoError(t, result.Err)
	assert.Equal(t, "hello from the server", result.FirstText())
	assert.Equal(t, 7, result.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", gotBody["model"])
	assert.Equal(t, testUserID, gotBody["user"])
	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 3)
}

func TestOpenAIGateway_HTTPError(t *testing.T) {
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(
					w,
					`{"error": {"message": "the server had an error", "type": "server_error"}}`,
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	gw := NewOpenAIGateway(
		OpenAIConfig{Token: "test-token", BaseURL: srv.URL + "/v1"},
		"",
		srv.Client(),
	)
	result := gw.Complete(context.Background(), testCompletionRequest())
	require.Error(t, result.Err)

	var apiErr *openai.APIError
	require.ErrorAs(t, result.Err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.HTTPStatusCode)
}

func TestOpenAIMessageName(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{"alice", "alice"},
		{"Jane Doe", "Jane_Doe"},
		{"a.b-c_d", "a_b-c_d"},
		{"日本", ""},
		{"", ""},
		{strings.Repeat("x", 70), strings.Repeat("x", 64)},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				assert.Equal(t, tc.expected, openAIMessageName(tc.input))
			},
		)
	}
}
