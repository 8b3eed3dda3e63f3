package aichat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	completionStatusOK    = "ok"
	completionStatusError = "error"
)

var ErrUnknownProvider = errors.New("unknown completion provider")

// GenerationParams are the fixed sampling parameters sent with every
// completion request.
type GenerationParams struct {
	Temperature      float32 `yaml:"temperature" mapstructure:"temperature" json:"temperature" binding:"min=0,max=2"`
	FrequencyPenalty float32 `yaml:"frequency_penalty" mapstructure:"frequency_penalty" json:"frequency_penalty" binding:"min=-2,max=2"`
	PresencePenalty  float32 `yaml:"presence_penalty" mapstructure:"presence_penalty" json:"presence_penalty" binding:"min=-2,max=2"`
	Choices          int     `yaml:"choices" mapstructure:"choices" json:"choices" binding:"min=1,max=8"`
	MaxTokens        int     `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`
}

// DefaultGenerationParams returns parameters biased toward one coherent,
// moderately novel, non-repetitive continuation.
func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		Temperature:      DefaultTemperature,
		FrequencyPenalty: DefaultFrequencyPenalty,
		PresencePenalty:  DefaultPresencePenalty,
		Choices:          DefaultCompletionChoices,
		MaxTokens:        DefaultCompletionMaxTokens,
	}
}

// CompletionRequest is everything a provider needs to generate a reply.
// It's built once per pipeline run and not modified afterward.
type CompletionRequest struct {
	Model    string
	Messages []ChatMessage
	Params   GenerationParams

	// CallerID is passed through to the provider for its own abuse tracking.
	CallerID string
}

// Choice is one candidate continuation returned by a provider.
type Choice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// TokenUsage is the provider-reported token accounting for a request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResult is either a successful list of choices or a failure.
// Callers must check [CompletionResult.OK] before using Choices.
type CompletionResult struct {
	Provider string
	Model    string
	Choices  []Choice
	Usage    TokenUsage
	Duration time.Duration
	Err      error

	requestBody  string
	responseBody string
}

func (r CompletionResult) OK() bool {
	return r.Err == nil
}

// FirstText returns the text of the first choice. A successful result with
// no choices yields an empty string, which formats as the placeholder.
func (r CompletionResult) FirstText() string {
	if !r.OK() || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Text
}

// CompletionGateway issues a single completion call. It never retries and
// never returns failures any other way than through CompletionResult.Err.
type CompletionGateway interface {
	Complete(ctx context.Context, req CompletionRequest) CompletionResult
	Provider() string
	DefaultModel() string
}

// completionAuditor persists a record of each provider call.
type completionAuditor interface {
	recordCompletion(ctx context.Context, entry *CompletionLog)
}

// observedGateway wraps a provider gateway with the behavior every provider
// shares: panic recovery, logging, metrics and the audit record.
type observedGateway struct {
	gateway CompletionGateway
	logger  *slog.Logger
	metrics *Metrics
	auditor completionAuditor
}

func newObservedGateway(
	gateway CompletionGateway,
	logger *slog.Logger,
	metrics *Metrics,
	auditor completionAuditor,
) *observedGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &observedGateway{
		gateway: gateway,
		logger:  logger.With(loggerNameKey, "completion", "provider", gateway.Provider()),
		metrics: metrics,
		auditor: auditor,
	}
}

func (g *observedGateway) Provider() string {
	return g.gateway.Provider()
}

func (g *observedGateway) DefaultModel() string {
	return g.gateway.DefaultModel()
}

func (g *observedGateway) Complete(
	ctx context.Context,
	req CompletionRequest,
) (result CompletionResult) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = g.logger
	} else {
		logger = logger.With("provider", g.Provider())
	}
	if req.Model == "" {
		req.Model = g.DefaultModel()
	}

	started := time.Now()
	defer func() {
		if rc := recover(); rc != nil {
			result = CompletionResult{
				Provider: g.Provider(),
				Model:    req.Model,
				Err:      fmt.Errorf("completion panicked: %v", rc),
			}
		}
		if result.Provider == "" {
			result.Provider = g.Provider()
		}
		if result.Model == "" {
			result.Model = req.Model
		}
		result.Duration = time.Since(started)

		status := completionStatusOK
		if result.Err != nil {
			status = completionStatusError
			logger.ErrorContext(
				ctx,
				"completion failed",
				tint.Err(result.Err),
				"model", result.Model,
				"duration", result.Duration,
			)
		} else {
			logger.InfoContext(
				ctx,
				"completion finished",
				"model", result.Model,
				"choices", len(result.Choices),
				"total_tokens", result.Usage.TotalTokens,
				"duration", result.Duration,
			)
		}
		g.metrics.observeCompletion(result.Provider, result.Model, status, result.Duration)

		if g.auditor != nil {
			g.auditor.recordCompletion(ctx, newCompletionLog(ctx, req, result, started))
		}
	}()

	logger.DebugContext(
		ctx,
		"requesting completion",
		"model", req.Model,
		"messages", req.Messages,
	)
	return g.gateway.Complete(ctx, req)
}
