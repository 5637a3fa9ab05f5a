package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

const defaultDebounce = 200 * time.Millisecond

// Option configures a Provider
type Option func(*Provider)

// WithSink saves every loaded plan into store
func WithSink(store ports.PlanStore) Option {
	return func(p *Provider) {
		p.sink = store
	}
}

// WithDebounce sets how long the watcher waits for writes to settle before reloading
func WithDebounce(d time.Duration) Option {
	return func(p *Provider) {
		p.debounce = d
	}
}

// Provider serves plans read from a directory
type Provider struct {
	dir      string
	logger   *zap.Logger
	sink     ports.PlanStore
	debounce time.Duration

	mu    sync.RWMutex
	plans map[string]*domain.Plan

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProvider creates a provider for dir and loads it once
func NewProvider(ctx context.Context, dir string, logger *zap.Logger, opts ...Option) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open plans directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plans path is not a directory: %s", dir)
	}

	p := &Provider{
		dir:      dir,
		logger:   logger,
		debounce: defaultDebounce,
		plans:    make(map[string]*domain.Plan),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Load(ctx); err != nil {
		// Valid files are still served
		logger.Warn("some plan files could not be loaded", zap.Error(err))
	}
	return p, nil
}

// Load re-reads every plan file in the directory. Files that fail to parse
// are skipped and reported in the returned error.
func (p *Provider) Load(ctx context.Context) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("failed to read plans directory: %w", err)
	}

	plans := make(map[string]*domain.Plan)
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !supported(entry.Name()) {
			continue
		}
		path := filepath.Join(p.dir, entry.Name())
		plan, err := p.loadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if _, ok := plans[plan.ID]; ok {
			errs = append(errs, fmt.Errorf("%s: duplicate plan id %q", entry.Name(), plan.ID))
			continue
		}
		plans[plan.ID] = plan
	}

	p.mu.Lock()
	p.plans = plans
	p.mu.Unlock()

	if p.sink != nil {
		for _, plan := range plans {
			if err := p.sink.SavePlan(ctx, plan); err != nil {
				errs = append(errs, fmt.Errorf("failed to save plan %s: %w", plan.ID, err))
			}
		}
	}

	p.logger.Info("plans loaded",
		zap.String("dir", p.dir),
		zap.Int("count", len(plans)),
		zap.Int("errors", len(errs)))

	return errors.Join(errs...)
}

func (p *Provider) loadFile(path string) (*domain.Plan, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePlan(path, data, info.ModTime())
}

// GetPlan returns a copy of the plan with id
func (p *Provider) GetPlan(ctx context.Context, id string) (*domain.Plan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plan, ok := p.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: plan %s", ports.ErrNotFound, id)
	}
	return plan.Clone(), nil
}

// ListPlans returns all loaded plans ordered by id
func (p *Provider) ListPlans(ctx context.Context) ([]*domain.Plan, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*domain.Plan, 0, len(p.plans))
	for _, plan := range p.plans {
		out = append(out, plan.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch reloads the directory whenever a plan file changes, until ctx is done or Close is called
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(p.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch plans directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.watcher = watcher
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.processEvents(ctx, watcher)

	p.logger.Info("watching plans directory", zap.String("dir", p.dir))
	return nil
}

// processEvents debounces file events into reloads
func (p *Provider) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(p.done)
	defer watcher.Close()

	var reload <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !supported(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			reload = time.After(p.debounce)

		case <-reload:
			reload = nil
			if err := p.Load(ctx); err != nil {
				p.logger.Warn("plan reload finished with errors", zap.Error(err))
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("plans watcher error", zap.Error(err))
		}
	}
}

// Close stops watching
func (p *Provider) Close() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
