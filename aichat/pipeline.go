package aichat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// EntryPoint identifies the trigger that started a pipeline run.
type EntryPoint string

const (
	EntryPointCommand EntryPoint = "command"
	EntryPointMention EntryPoint = "mention"

	throttleReasonCooldown = "cooldown"
	throttleReasonBusy     = "busy"
)

// PipelineState is the position of a run in the request pipeline.
// Done, Throttled and Failed are terminal.
type PipelineState int

const (
	StateIdle PipelineState = iota
	StateChecking
	StateAssembling
	StateCalling
	StateFormatting
	StateReplying
	StateDone
	StateThrottled
	StateFailed
)

var pipelineStateNames = map[PipelineState]string{
	StateIdle:       "idle",
	StateChecking:   "checking",
	StateAssembling: "assembling",
	StateCalling:    "calling",
	StateFormatting: "formatting",
	StateReplying:   "replying",
	StateDone:       "done",
	StateThrottled:  "throttled",
	StateFailed:     "failed",
}

func (s PipelineState) String() string {
	if name, ok := pipelineStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PipelineState(%d)", int(s))
}

// Replier delivers pipeline output back through the channel a request
// arrived on. Each entry point decides what those replies look like.
type Replier interface {
	// Throttled tells the caller to wait. busy is set when the key has a
	// run in progress rather than an active cooldown.
	Throttled(ctx context.Context, state CooldownState, busy bool) error

	// Pending is called once the run is admitted, before the provider
	// call. An error aborts the run.
	Pending(ctx context.Context) error

	// Failed sends the generic warning.
	Failed(ctx context.Context) error

	// Deliver sends the formatted response.
	Deliver(ctx context.Context, text string) error
}

// PipelineRequest is a single admitted trigger, already validated by its
// entry point.
type PipelineRequest struct {
	EntryPoint EntryPoint

	// Key is the cooldown bucket for this caller.
	Key string

	CallerID   string
	CallerName string
	Prompt     string
	History    []ChatMessage

	// Cooldown is armed on the key after a successful provider call.
	// Zero or less disables the cooldown.
	Cooldown time.Duration
	Format   FormatOptions
}

// Outcome is the result of a pipeline run.
type Outcome struct {
	RunID    string
	State    PipelineState
	Text     string
	Cooldown CooldownState

	// Err is set on Failed runs, and on Done runs where delivery failed.
	Err error
}

// Pipeline runs check, assemble, call, format, arm and reply for each
// inbound request. Runs are independent; the only shared state is the
// cooldown store and the set of keys with a run in progress.
type Pipeline struct {
	store   CooldownStore
	gateway CompletionGateway
	persona Persona
	model   string
	params  GenerationParams
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type PipelineConfig struct {
	Store   CooldownStore
	Gateway CompletionGateway
	Persona Persona

	// Model overrides the gateway's default model
	Model   string
	Params  GenerationParams
	Logger  *slog.Logger
	Metrics *Metrics
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    cfg.Store,
		gateway:  cfg.Gateway,
		persona:  cfg.Persona,
		model:    cfg.Model,
		params:   cfg.Params,
		logger:   logger.With(loggerNameKey, "pipeline"),
		metrics:  cfg.Metrics,
		inFlight: map[string]struct{}{},
	}
}

// Run takes a request from Checking to a terminal state. It never panics
// and never returns an error; the outcome carries what happened.
func (p *Pipeline) Run(ctx context.Context, req PipelineRequest, replier Replier) (out Outcome) {
	runID := uuid.NewString()
	logger := p.logger.With(
		"run_id", runID,
		"cooldown_key", req.Key,
		"entry_point", req.EntryPoint,
	)
	ctx = WithLogger(withRunID(ctx, runID), logger)
	out = Outcome{RunID: runID, State: StateIdle}
	started := time.Now()

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
			out.Err = fmt.Errorf("pipeline panicked in state %s: %v", out.State, rc)
			out.State = StateFailed
			p.sendFailed(ctx, replier)
		}
		p.metrics.observePipeline(req.EntryPoint, out.State)
		logger.InfoContext(
			ctx,
			"pipeline finished",
			"state", out.State,
			"duration", time.Since(started),
		)
	}()

	out.State = StateChecking
	state, err := p.store.Check(ctx, req.Key)
	if err != nil {
		out.Err = fmt.Errorf("error checking cooldown: %w", err)
		return p.fail(ctx, replier, out)
	}
	if state.Active {
		return p.throttle(ctx, replier, req.EntryPoint, out, state, false)
	}

	release, ok := p.acquire(req.Key)
	if !ok {
		return p.throttle(ctx, replier, req.EntryPoint, out, CooldownState{}, true)
	}
	defer release()

	if err = replier.Pending(ctx); err != nil {
		out.Err = fmt.Errorf("error sending pending response: %w", err)
		out.State = StateFailed
		logger.ErrorContext(ctx, "error sending pending response", tint.Err(err))
		return out
	}

	out.State = StateAssembling
	messages := AssemblePrompt(
		p.persona.SystemPrompt,
		req.History,
		UserPrompt{Name: req.CallerName, Text: req.Prompt},
	)

	out.State = StateCalling
	result := p.gateway.Complete(
		ctx,
		CompletionRequest{
			Model:    p.model,
			Messages: messages,
			Params:   p.params,
			CallerID: req.CallerID,
		},
	)
	if !result.OK() {
		out.Err = result.Err
		return p.fail(ctx, replier, out)
	}

	out.State = StateFormatting
	out.Text = FormatResponse(result.FirstText(), req.Format)

	// armed before delivery, so a failed delivery can't be used to get
	// another provider call
	out.State = StateReplying
	p.arm(ctx, req)

	if err = replier.Deliver(ctx, out.Text); err != nil {
		out.Err = fmt.Errorf("error delivering response: %w", err)
		logger.ErrorContext(ctx, "error delivering response", tint.Err(err))
	}
	out.State = StateDone
	return out
}

func (p *Pipeline) throttle(
	ctx context.Context,
	replier Replier,
	entryPoint EntryPoint,
	out Outcome,
	state CooldownState,
	busy bool,
) Outcome {
	out.State = StateThrottled
	out.Cooldown = state

	reason := throttleReasonCooldown
	if busy {
		reason = throttleReasonBusy
	}
	logger, _ := ContextLogger(ctx)
	logger.InfoContext(ctx, "request throttled", "reason", reason, "cooldown", state)
	p.metrics.observeThrottle(entryPoint, reason)

	if err := replier.Throttled(ctx, state, busy); err != nil {
		logger.ErrorContext(ctx, "error sending throttle notice", tint.Err(err))
	}
	return out
}

func (p *Pipeline) fail(ctx context.Context, replier Replier, out Outcome) Outcome {
	out.State = StateFailed
	logger, _ := ContextLogger(ctx)
	logger.WarnContext(ctx, "pipeline failed", tint.Err(out.Err))
	p.sendFailed(ctx, replier)
	return out
}

// sendFailed sends the generic warning. It runs from the pipeline's panic
// handler too, so it recovers on its own.
func (p *Pipeline) sendFailed(ctx context.Context, replier Replier) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, rc)
		}
	}()
	if err := replier.Failed(ctx); err != nil {
		logger, _ := ContextLogger(ctx)
		logger.ErrorContext(ctx, "error sending failure notice", tint.Err(err))
	}
}

func (p *Pipeline) arm(ctx context.Context, req PipelineRequest) {
	if req.Cooldown <= 0 {
		return
	}
	logger, _ := ContextLogger(ctx)
	armed, err := p.store.Arm(ctx, req.Key, req.Cooldown)
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "error arming cooldown", tint.Err(err))
	case !armed:
		logger.DebugContext(ctx, "cooldown already armed")
	default:
		logger.DebugContext(ctx, "cooldown armed", "duration", req.Cooldown)
	}
}

// acquire marks key as having a run in progress. The returned func
// releases it.
func (p *Pipeline) acquire(key string) (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inFlight[key]; busy {
		return nil, false
	}
	p.inFlight[key] = struct{}{}
	return func() {
		p.mu.Lock()
		delete(p.inFlight, key)
		p.mu.Unlock()
	}, true
}
