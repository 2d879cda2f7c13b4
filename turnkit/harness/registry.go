package harness

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/rs/zerolog"
)

// ToolRegistry holds the static tools of a run plus an optional dynamic
// catalogue selected per turn through a semantic index.
type ToolRegistry struct {
	mu           sync.RWMutex
	static       map[string]ports.Tool
	staticOrder  []string
	dynamic      map[string]ports.Tool
	dynamicOrder []string

	index    ports.SemanticIndex
	topK     int
	cache    ports.Cache
	cacheTTL int
	logger   zerolog.Logger
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithSemanticIndex enables dynamic selection of up to topK tools per turn.
func WithSemanticIndex(index ports.SemanticIndex, topK int) RegistryOption {
	return func(r *ToolRegistry) {
		r.index = index
		r.topK = topK
	}
}

// WithSelectionCache memoizes index lookups.
func WithSelectionCache(cache ports.Cache, ttlSeconds int) RegistryOption {
	return func(r *ToolRegistry) {
		r.cache = cache
		r.cacheTTL = ttlSeconds
	}
}

// WithRegistryLogger sets the logger used for index failures.
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *ToolRegistry) {
		r.logger = logger
	}
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		static:  make(map[string]ports.Tool),
		dynamic: make(map[string]ports.Tool),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds always-available tools.
func (r *ToolRegistry) Register(tools ...ports.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if _, exists := r.static[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		r.static[name] = t
		r.staticOrder = append(r.staticOrder, name)
	}
	return nil
}

// RegisterDynamic adds tools that are only offered when the semantic index
// selects them. When the index accepts documents the tools are indexed too.
func (r *ToolRegistry) RegisterDynamic(ctx context.Context, tools ...ports.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	indexer, _ := r.index.(ports.ToolIndexer)
	for _, t := range tools {
		name := t.Name()
		if name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if _, exists := r.dynamic[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
		}
		if indexer != nil {
			def := t.Definition(ctx, "")
			if err := indexer.Index(ctx, name, name+": "+def.Description); err != nil {
				return fmt.Errorf("failed to index tool %s: %w", name, err)
			}
		}
		r.dynamic[name] = t
		r.dynamicOrder = append(r.dynamicOrder, name)
	}
	return nil
}

// Resolve builds the effective tool set of one turn: static tools in
// registration order, then index hits in score order. Static tools win name
// collisions. Index failures degrade to the static set.
func (r *ToolRegistry) Resolve(ctx context.Context, prompt string) *ToolSet {
	set := &ToolSet{tools: make(map[string]ports.Tool)}
	if r == nil {
		return set
	}

	r.mu.RLock()
	staticOrder := append([]string(nil), r.staticOrder...)
	static := make(map[string]ports.Tool, len(r.static))
	for k, v := range r.static {
		static[k] = v
	}
	dynamic := make(map[string]ports.Tool, len(r.dynamic))
	for k, v := range r.dynamic {
		dynamic[k] = v
	}
	r.mu.RUnlock()

	for _, name := range staticOrder {
		set.add(ctx, static[name], prompt)
	}

	if r.index == nil || r.topK <= 0 || len(dynamic) == 0 {
		return set
	}

	ids, err := r.selectIDs(ctx, prompt)
	if err != nil {
		r.logger.Warn().Err(err).Int("top_k", r.topK).Msg("dynamic tool selection failed, using static tools")
		return set
	}

	for _, id := range ids {
		if set.Has(id) {
			continue
		}
		t, ok := dynamic[id]
		if !ok {
			r.logger.Debug().Str("tool", id).Msg("index returned unregistered tool")
			continue
		}
		set.add(ctx, t, prompt)
	}
	return set
}

func (r *ToolRegistry) selectIDs(ctx context.Context, prompt string) ([]string, error) {
	key := fmt.Sprintf("tools:%d:%s", r.topK, promptDigest(prompt))
	if r.cache != nil {
		if cached, ok := r.cache.Get(ctx, key); ok {
			var ids []string
			if err := json.Unmarshal(cached, &ids); err == nil {
				return ids, nil
			}
			_ = r.cache.Delete(ctx, key)
		}
	}

	hits, err := r.index.TopN(ctx, prompt, r.topK)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}

	if r.cache != nil {
		if b, err := json.Marshal(ids); err == nil {
			if err := r.cache.Set(ctx, key, b, r.cacheTTL); err != nil {
				r.logger.Debug().Err(err).Msg("failed to cache tool selection")
			}
		}
	}
	return ids, nil
}

// ToolSet is the resolved set of tools of one turn.
type ToolSet struct {
	defs  []ports.ToolDefinition
	tools map[string]ports.Tool
}

// NewToolSet builds a set from tools directly, first name wins.
func NewToolSet(ctx context.Context, prompt string, tools ...ports.Tool) *ToolSet {
	set := &ToolSet{tools: make(map[string]ports.Tool)}
	for _, t := range tools {
		if !set.Has(t.Name()) {
			set.add(ctx, t, prompt)
		}
	}
	return set
}

func (s *ToolSet) add(ctx context.Context, t ports.Tool, prompt string) {
	def := t.Definition(ctx, prompt)
	def.Name = t.Name()
	s.defs = append(s.defs, def)
	s.tools[def.Name] = t
}

// Definitions returns the definitions handed to the backend, in order.
func (s *ToolSet) Definitions() []ports.ToolDefinition {
	if s == nil || len(s.defs) == 0 {
		return nil
	}
	return append([]ports.ToolDefinition(nil), s.defs...)
}

// Definition returns the definition of a tool in the set.
func (s *ToolSet) Definition(name string) (ports.ToolDefinition, bool) {
	if s == nil {
		return ports.ToolDefinition{}, false
	}
	for _, d := range s.defs {
		if d.Name == name {
			return d, true
		}
	}
	return ports.ToolDefinition{}, false
}

// Lookup finds a tool by name.
func (s *ToolSet) Lookup(name string) (ports.Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Has reports whether the set contains name.
func (s *ToolSet) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Len returns the number of tools in the set.
func (s *ToolSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.defs)
}

// promptDigest keys the selection cache; distinct prompts must never share a key.
func promptDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
