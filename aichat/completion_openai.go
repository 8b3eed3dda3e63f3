package aichat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	openai "github.com/sashabaranov/go-openai"
)

// openAINameMaxLength and openAIInvalidNameChars mirror the API's
// constraint on the message 'name' field: ^[a-zA-Z0-9_-]{1,64}$
const openAINameMaxLength = 64

var openAIInvalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ChatCompletionClient is the part of *openai.Client the gateway uses.
type ChatCompletionClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// OpenAIGateway is a [CompletionGateway] for the OpenAI chat completions
// API, or any server implementing it.
type OpenAIGateway struct {
	client ChatCompletionClient
	model  string
}

// NewOpenAIGateway returns a gateway using the given token. If baseURL is
// set, requests are sent there instead of the OpenAI API.
func NewOpenAIGateway(cfg OpenAIConfig, model string, httpClient *http.Client) *OpenAIGateway {
	clientConfig := openai.DefaultConfig(cfg.Token)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}
	return newOpenAIGatewayWithClient(openai.NewClientWithConfig(clientConfig), model)
}

func newOpenAIGatewayWithClient(client ChatCompletionClient, model string) *OpenAIGateway {
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIGateway{client: client, model: model}
}

func (g *OpenAIGateway) Provider() string {
	return ProviderOpenAI
}

func (g *OpenAIGateway) DefaultModel() string {
	return g.model
}

func (g *OpenAIGateway) Complete(ctx context.Context, req CompletionRequest) CompletionResult {
	model := req.Model
	if model == "" {
		model = g.model
	}
	request := newOpenAIChatRequest(model, req)
	result := CompletionResult{
		Provider:    ProviderOpenAI,
		Model:       model,
		requestBody: marshalBody(request),
	}

	resp, err := g.client.CreateChatCompletion(ctx, request)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			result.Err = fmt.Errorf(
				"openai error (status %d, type %s): %w",
				apiErr.HTTPStatusCode, apiErr.Type, err,
			)
		} else {
			result.Err = fmt.Errorf("openai request failed: %w", err)
		}
		return result
	}

	result.responseBody = marshalBody(resp)
	if resp.Model != "" {
		result.Model = resp.Model
	}
	result.Usage = TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	result.Choices = make([]Choice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		result.Choices = append(
			result.Choices,
			Choice{
				Index:        c.Index,
				Text:         c.Message.Content,
				FinishReason: string(c.FinishReason),
			},
		)
	}
	return result
}

func newOpenAIChatRequest(model string, req CompletionRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openAIRole(m.Role),
				Content: m.Content,
				Name:    openAIMessageName(m.Name),
			},
		)
	}
	return openai.ChatCompletionRequest{
		Model:            model,
		Messages:         messages,
		Temperature:      req.Params.Temperature,
		FrequencyPenalty: req.Params.FrequencyPenalty,
		PresencePenalty:  req.Params.PresencePenalty,
		N:                req.Params.Choices,
		MaxTokens:        req.Params.MaxTokens,
		User:             req.CallerID,
	}
}

func openAIRole(role ChatRole) string {
	switch role {
	case ChatRoleSystem:
		return openai.ChatMessageRoleSystem
	case ChatRoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// openAIMessageName converts a display name into a value the API accepts,
// or an empty string if nothing usable is left.
func openAIMessageName(name string) string {
	name = openAIInvalidNameChars.ReplaceAllString(name, "_")
	if len(name) > openAINameMaxLength {
		name = name[:openAINameMaxLength]
	}
	if name == "_" {
		return ""
	}
	return name
}

func marshalBody(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
