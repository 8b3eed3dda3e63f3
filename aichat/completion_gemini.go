package aichat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// GenerateContentClient is the part of *genai.Models the gateway uses.
type GenerateContentClient interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// GeminiGateway is a [CompletionGateway] for the Gemini API.
type GeminiGateway struct {
	client GenerateContentClient
	model  string
}

// NewGeminiGateway creates a Gemini API client with the given key.
func NewGeminiGateway(
	ctx context.Context,
	cfg GeminiConfig,
	model string,
	httpClient *http.Client,
) (*GeminiGateway, error) {
	client, err := genai.NewClient(
		ctx,
		&genai.ClientConfig{
			APIKey:     cfg.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: httpClient,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating gemini client: %w", err)
	}
	return newGeminiGatewayWithClient(client.Models, model), nil
}

func newGeminiGatewayWithClient(client GenerateContentClient, model string) *GeminiGateway {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiGateway{client: client, model: model}
}

func (g *GeminiGateway) Provider() string {
	return ProviderGemini
}

func (g *GeminiGateway) DefaultModel() string {
	return g.model
}

func (g *GeminiGateway) Complete(ctx context.Context, req CompletionRequest) CompletionResult {
	model := req.Model
	if model == "" {
		model = g.model
	}
	contents, config := newGeminiRequest(req)
	result := CompletionResult{
		Provider: ProviderGemini,
		Model:    model,
		requestBody: marshalBody(
			map[string]any{
				"model":    model,
				"contents": contents,
				"config":   config,
			},
		),
	}

	resp, err := g.client.GenerateContent(ctx, model, contents, config)
	if err != nil {
		result.Err = fmt.Errorf("gemini request failed: %w", err)
		return result
	}
	if resp == nil {
		result.Err = errors.New("gemini returned an empty response")
		return result
	}

	result.responseBody = marshalBody(resp)
	if resp.ModelVersion != "" {
		result.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		result.Usage = TokenUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	for i, c := range resp.Candidates {
		if c == nil {
			continue
		}
		result.Choices = append(
			result.Choices,
			Choice{
				Index:        i,
				Text:         geminiCandidateText(c),
				FinishReason: string(c.FinishReason),
			},
		)
	}
	return result
}

// newGeminiRequest maps a provider-neutral request onto Gemini's shape.
// System turns become the system instruction, together with the caller's
// name, since Gemini content has no per-message author name.
func newGeminiRequest(req CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	var contents []*genai.Content
	callerName := ""

	for _, m := range req.Messages {
		switch m.Role {
		case ChatRoleSystem:
			system = append(system, m.Content)
		case ChatRoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			if m.Name != "" {
				callerName = m.Name
			}
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if callerName != "" {
		system = append(system, fmt.Sprintf("The user's name is %s.", callerName))
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Params.Temperature),
		FrequencyPenalty: genai.Ptr(req.Params.FrequencyPenalty),
		PresencePenalty:  genai.Ptr(req.Params.PresencePenalty),
		CandidateCount:   int32(req.Params.Choices),
		MaxOutputTokens:  int32(req.Params.MaxTokens),
	}
	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(
			strings.Join(system, "\n\n"),
			genai.RoleUser,
		)
	}
	return contents, config
}

func geminiCandidateText(c *genai.Candidate) string {
	if c.Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range c.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
