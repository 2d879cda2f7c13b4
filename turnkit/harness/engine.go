package harness

import (
	"context"
	"fmt"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/rs/zerolog"
)

// RunConfig configures one run. It is read once when the run starts.
type RunConfig struct {
	MaxTurns  int             // backend round trips allowed, must be >= 1
	Preamble  string          // system instruction sent with every backend call
	History   []ports.Message // prior conversation, placed before the prompt
	Tools     *ToolRegistry
	Documents []Document // static context packed into every request
	Params    ports.Params
	Hook      ports.Hook
	Cancel    *CancelToken

	// ConversationID enables persistence when the engine has a store.
	ConversationID string
	// LoadHistory loads the last k stored messages of the conversation before History.
	LoadHistory int
}

// DefaultRunConfig returns a config with sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{MaxTurns: 8}
}

func (c *RunConfig) validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidRunConfig)
	}
	if c.MaxTurns < 1 {
		return fmt.Errorf("%w: max turns must be at least 1, got %d", ErrInvalidRunConfig, c.MaxTurns)
	}
	if c.LoadHistory < 0 {
		return fmt.Errorf("%w: load history must not be negative", ErrInvalidRunConfig)
	}
	return nil
}

// RunResult is the caller-visible outcome of a run. It is returned on every
// termination path.
type RunResult struct {
	RunID   string
	Text    string          // final answer, or the last assistant text when the run did not finish
	History []ports.Message // full conversation, prior history included
	Usage   ports.Usage
	Reason  ports.TerminationReason
	Turns   int    // backend calls made
	Note    string // set when the run ended without a final answer
}

// Engine drives multi-turn exchanges against a completion backend.
type Engine struct {
	backend   ports.Backend
	builder   *PromptBuilder
	assembler *ContextAssembler
	executor  *ToolExecutor
	store     ports.ConversationStore
	limiter   ports.RateLimiter
	tracer    ports.Tracer
	metrics   ports.Metrics
	logger    zerolog.Logger
}

// NewEngine creates an engine with dependencies. Nil collaborators other than
// the backend fall back to no-op implementations.
func NewEngine(
	backend ports.Backend,
	builder *PromptBuilder,
	assembler *ContextAssembler,
	executor *ToolExecutor,
	store ports.ConversationStore,
	limiter ports.RateLimiter,
	tracer ports.Tracer,
	metrics ports.Metrics,
	logger zerolog.Logger,
) *Engine {
	if builder == nil {
		builder = NewPromptBuilder()
	}
	if assembler == nil {
		assembler = NewContextAssembler(Budget{MaxContextTokens: 4000, MaxDocuments: 10}, nil)
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if metrics == nil {
		metrics = &noOpMetrics{}
	}
	if executor == nil {
		executor = NewToolExecutor(DefaultExecutorConfig(), nil, tracer, metrics, logger)
	}
	if store == nil {
		store = &noOpStore{}
	}
	if limiter == nil {
		limiter = &noOpRateLimiter{}
	}
	return &Engine{
		backend:   backend,
		builder:   builder,
		assembler: assembler,
		executor:  executor,
		store:     store,
		limiter:   limiter,
		tracer:    tracer,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run drives the exchange to a terminal state and returns its result.
// The error is non-nil only when the run ends in FatalError (a
// *ports.BackendError) or when cfg is invalid, in which case no run starts.
func (e *Engine) Run(ctx context.Context, prompt string, cfg *RunConfig) (*RunResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return e.run(ctx, prompt, *cfg, e.complete, nil)
}

// complete is the non-streaming completer.
func (e *Engine) complete(ctx context.Context, _ int, req ports.CompletionRequest, _ emitFunc) (ports.Completion, error) {
	return e.backend.Complete(ctx, req)
}
