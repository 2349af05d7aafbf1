package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/internal/retention"
	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// Registry keeps batches in memory for the lifetime of the process and runs
// each one in the background. Nothing survives a restart.
type Registry struct {
	orchestrator *Orchestrator
	logger       *slog.Logger
	now          func() time.Time

	retention   atomic.Pointer[retention.Policy]
	concurrency atomic.Int64

	mu      sync.RWMutex
	batches map[string]*Batch
	running sync.WaitGroup
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(o *Orchestrator, policy retention.Policy, opts ...RegistryOption) *Registry {
	r := &Registry{
		orchestrator: o,
		logger:       slog.Default(),
		now:          time.Now,
		batches:      make(map[string]*Batch),
	}
	r.retention.Store(&policy)
	r.concurrency.Store(DefaultConcurrency)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetRetention replaces the retention policy used by Sweep.
func (r *Registry) SetRetention(p retention.Policy) {
	r.retention.Store(&p)
}

// Retention returns the current retention policy.
func (r *Registry) Retention() retention.Policy {
	return *r.retention.Load()
}

// SetDefaultConcurrency changes the budget given to batches that do not ask
// for one. Non-positive values are ignored.
func (r *Registry) SetDefaultConcurrency(n int) {
	if n > 0 {
		r.concurrency.Store(int64(n))
	}
}

// Submit registers a new batch for owner and starts it. The run is detached
// from ctx: a client disconnecting does not cancel the batch.
func (r *Registry) Submit(ctx context.Context, owner domain.Identity, specs []ItemSpec, opts BatchOptions) (*Batch, error) {
	if !owner.IsAuthenticated {
		return nil, fmt.Errorf("submit batch: %w", domain.ErrUnauthorized)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = int(r.concurrency.Load())
	}

	b, err := NewBatch(owner, specs, opts, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.batches[b.ID] = b
	r.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	r.running.Add(1)
	go func() {
		defer r.running.Done()
		if err := r.orchestrator.Run(runCtx, b); err != nil {
			r.logger.Error("pipeline batch run failed", "batch_id", b.ID, "error", err)
		}
	}()

	r.logger.Info("pipeline batch submitted",
		"batch_id", b.ID,
		"items", len(specs),
		"concurrency", b.Concurrency,
	)
	return b, nil
}

// Get returns a batch by id.
func (r *Registry) Get(id string) (*Batch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, domain.ErrNotFound)
	}
	return b, nil
}

// Cancel sets the cancellation flag of a batch.
func (r *Registry) Cancel(id string) error {
	b, err := r.Get(id)
	if err != nil {
		return err
	}
	b.Cancel()
	r.logger.Info("pipeline batch cancelled", "batch_id", id)
	return nil
}

// Review applies a verdict to an item of a held batch.
func (r *Registry) Review(ctx context.Context, batchID, itemID string, verdict Verdict) (Item, error) {
	b, err := r.Get(batchID)
	if err != nil {
		return Item{}, err
	}
	return r.orchestrator.Review(ctx, b, itemID, verdict)
}

// Len returns the number of batches held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.batches)
}

// Sweep drops finished batches whose completion time is outside the retention
// window. Running batches are never dropped.
func (r *Registry) Sweep(now time.Time) int {
	policy := r.Retention()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, b := range r.batches {
		finished, ok := b.FinishedAt()
		if !ok || !policy.Expired(finished, now) {
			continue
		}
		delete(r.batches, id)
		removed++
	}
	if removed > 0 {
		r.logger.Info("expired pipeline batches removed",
			"removed", removed,
			"retention_days", policy.Days(),
		)
	}
	return removed
}

// Shutdown cancels every batch and waits for running ones to return, or for
// ctx to end.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	for _, b := range r.batches {
		b.Cancel()
	}
	r.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for pipeline batches: %w", ctx.Err())
	}
}
