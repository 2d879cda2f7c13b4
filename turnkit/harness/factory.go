package harness

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/turnkit/turnkit/config"
	"github.com/ZanzyTHEbar/turnkit/turnkit/harness/adapters"
	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

const (
	maxTurnsLimit    = 100
	concurrencyLimit = 64
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	cfg      *config.Config
	db       *sql.DB               // Optional, for conversation store
	registry prometheus.Registerer // Optional, defaults to prometheus.DefaultRegisterer
	logger   zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(cfg *config.Config, db *sql.DB, registry prometheus.Registerer, logger zerolog.Logger) *Factory {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Factory{
		cfg:      cfg,
		db:       db,
		registry: registry,
		logger:   logger,
	}
}

// CreateEngine creates a fully wired Engine around backend.
func (f *Factory) CreateEngine(ctx context.Context, backend ports.Backend) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}

	tracer := f.createTracer()
	metrics := f.createMetrics()

	store, err := f.createStore(ctx)
	if err != nil {
		return nil, err
	}

	executor := NewToolExecutor(f.CreateExecutorConfig(), f.CreateGuardrails(), tracer, metrics, f.logger)

	return NewEngine(
		backend,
		NewPromptBuilder(),
		NewContextAssembler(Budget{MaxContextTokens: 4000, MaxDocuments: 10}, nil),
		executor,
		store,
		f.createRateLimiter(),
		tracer,
		metrics,
		f.logger,
	), nil
}

// CreateRegistry creates a tool registry. A nil index disables dynamic selection.
func (f *Factory) CreateRegistry(index ports.SemanticIndex) *ToolRegistry {
	opts := []RegistryOption{WithRegistryLogger(f.logger)}
	if index != nil {
		opts = append(opts, WithSemanticIndex(index, f.cfg.Tools.DynamicTopK))
		if f.cfg.Tools.CacheEnabled {
			opts = append(opts, WithSelectionCache(adapters.NewLRUCache(f.cfg.Tools.CacheCapacity), f.cfg.Tools.CacheTTLSeconds))
		}
	}
	return NewToolRegistry(opts...)
}

// CreateGuardrails creates guardrails from config. Disabled guardrails return nil.
func (f *Factory) CreateGuardrails() *Guardrails {
	if !f.cfg.Harness.EnableGuardrails {
		return nil
	}

	guardrails := NewGuardrails(true)
	for _, toolName := range f.cfg.Harness.AllowedTools {
		guardrails.AddAllowedTool(toolName)
	}
	return guardrails
}

// CreateExecutorConfig creates a clamped executor config.
func (f *Factory) CreateExecutorConfig() ExecutorConfig {
	ec := ExecutorConfig{
		Concurrency: f.cfg.Harness.ToolConcurrency,
		Timeout:     f.cfg.Harness.ToolTimeout,
	}

	if ec.Concurrency < 1 {
		ec.Concurrency = 1
		f.logger.Warn().Int("tool_concurrency", f.cfg.Harness.ToolConcurrency).Msg("ToolConcurrency clamped to minimum of 1")
	}
	if ec.Concurrency > concurrencyLimit {
		ec.Concurrency = concurrencyLimit
		f.logger.Warn().Int("tool_concurrency", f.cfg.Harness.ToolConcurrency).Msgf("ToolConcurrency clamped to maximum of %d", concurrencyLimit)
	}
	if ec.Timeout < 0 {
		ec.Timeout = 0
	}

	return ec
}

// CreateRunConfig creates a run config template from config with validation.
func (f *Factory) CreateRunConfig(tools *ToolRegistry) RunConfig {
	rc := DefaultRunConfig()
	rc.MaxTurns = f.cfg.Harness.MaxTurns
	rc.Tools = tools

	if rc.MaxTurns < 1 {
		rc.MaxTurns = 1
		f.logger.Warn().Int("max_turns", f.cfg.Harness.MaxTurns).Msg("MaxTurns clamped to minimum of 1")
	}
	if rc.MaxTurns > maxTurnsLimit {
		rc.MaxTurns = maxTurnsLimit
		f.logger.Warn().Int("max_turns", f.cfg.Harness.MaxTurns).Msgf("MaxTurns clamped to maximum of %d", maxTurnsLimit)
	}

	return rc
}

func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.cfg.Harness.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	return adapters.NewTokenBucket(f.cfg.Harness.RateLimitCapacity, f.cfg.Harness.RateLimitRefillRate)
}

func (f *Factory) createTracer() ports.Tracer {
	if !f.cfg.Harness.EnableTracing {
		return &noOpTracer{}
	}

	switch f.cfg.Harness.Tracer {
	case "otel":
		return adapters.NewOTelTracer(otel.Tracer("github.com/ZanzyTHEbar/turnkit"))
	case "zerolog", "":
		return adapters.NewZerologTracer(f.logger)
	default:
		f.logger.Warn().Str("tracer", f.cfg.Harness.Tracer).Msg("unknown tracer, falling back to zerolog")
		return adapters.NewZerologTracer(f.logger)
	}
}

func (f *Factory) createMetrics() ports.Metrics {
	if !f.cfg.Harness.EnableMetrics {
		return &noOpMetrics{}
	}

	return adapters.NewPrometheusMetrics(f.registry)
}

func (f *Factory) createStore(ctx context.Context) (ports.ConversationStore, error) {
	if f.db == nil || !f.cfg.Store.Enabled {
		return &noOpStore{}, nil
	}

	if err := adapters.MigrateConversationStore(ctx, f.db); err != nil {
		return nil, fmt.Errorf("failed to prepare conversation store: %w", err)
	}
	return adapters.NewLibSQLConversationStore(f.db), nil
}

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpMetrics implements Metrics interface with no-op behavior.
type noOpMetrics struct{}

func (m *noOpMetrics) BackendCall(d time.Duration, err error) {}

func (m *noOpMetrics) ToolCall(name string, d time.Duration, failed bool) {}

func (m *noOpMetrics) RunFinished(reason ports.TerminationReason, turns int, usage ports.Usage) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveRun(ctx context.Context, rec ports.RunRecord) error {
	return nil
}

func (s *noOpStore) LoadHistory(ctx context.Context, conversationID string, k int) ([]ports.Message, error) {
	return nil, nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.Metrics           = (*noOpMetrics)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
