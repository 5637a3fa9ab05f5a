package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aescanero/dagrun/pkg/domain"
)

// ToolFunc implements a tool. params and the result are opaque JSON.
type ToolFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// ToolOption configures a registered tool
type ToolOption func(*tool)

// WithRateLimit limits calls to the tool to limit per second with the given burst
func WithRateLimit(limit float64, burst int) ToolOption {
	return func(t *tool) {
		if limit > 0 {
			if burst < 1 {
				burst = 1
			}
			t.limiter = rate.NewLimiter(rate.Limit(limit), burst)
		}
	}
}

type tool struct {
	fn      ToolFunc
	limiter *rate.Limiter
}

// Registry implements ToolRegistry with in-process functions
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*tool
	logger *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]*tool),
		logger: logger,
	}
}

// Register adds a tool under name
func (r *Registry) Register(name string, fn ToolFunc, opts ...ToolOption) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if fn == nil {
		return fmt.Errorf("tool %s has no function", name)
	}

	t := &tool{fn: fn}
	for _, opt := range opts {
		opt(t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t

	r.logger.Info("tool registered",
		zap.String("tool", name),
		zap.Bool("rate_limited", t.limiter != nil))
	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// HasTool reports whether name is registered
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke calls the named tool, waiting for its rate limiter first
func (r *Registry) Invoke(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolNotFound, name)
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", name, err)
		}
	}

	return t.fn(ctx, params)
}
