package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// DefaultConcurrency is used when a batch does not set its own budget.
const DefaultConcurrency = 2

// Event is one entry in a batch's status stream.
type Event struct {
	Seq     int                  `json:"seq"`
	BatchID string               `json:"batchId"`
	ItemID  string               `json:"itemId,omitempty"`
	Stage   Stage                `json:"stage,omitempty"`
	Attempt int                  `json:"attempt,omitempty"`
	Reason  domain.FailureReason `json:"reason,omitempty"`
	Error   string               `json:"error,omitempty"`
	At      time.Time            `json:"at"`
}

// BatchOptions configure a new batch.
type BatchOptions struct {
	Concurrency int
	Size        domain.SizeSpec
}

// Summary is the mixed-outcome result of a batch.
type Summary struct {
	Total     int                          `json:"total"`
	Completed int                          `json:"completed"`
	Failed    int                          `json:"failed"`
	Pending   int                          `json:"pending"`
	Failures  map[domain.FailureReason]int `json:"failures,omitempty"`
}

// Snapshot is a polling view of a batch.
type Snapshot struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Concurrency int             `json:"concurrency"`
	Size        domain.SizeSpec `json:"size"`
	Cancelled   bool            `json:"cancelled"`
	Done        bool            `json:"done"`
	CreatedAt   time.Time       `json:"createdAt"`
	Items       []Item          `json:"items"`
	Summary     Summary         `json:"summary"`
}

// Batch is an ordered set of items submitted together. Items are never shared
// between batches.
type Batch struct {
	ID          string
	Owner       domain.Identity
	Concurrency int
	Size        domain.SizeSpec
	CreatedAt   time.Time

	items []*item
	index map[string]*item

	cancelled atomic.Bool
	started   atomic.Bool
	done      chan struct{}
	doneOnce  sync.Once

	mu       sync.Mutex
	events   []Event
	notify   chan struct{}
	closed   bool
	finished time.Time
}

// NewBatch validates the item list and builds a batch. Items without an ID are
// numbered by position; duplicate IDs are rejected.
func NewBatch(owner domain.Identity, specs []ItemSpec, opts BatchOptions, now time.Time) (*Batch, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: batch has no items", domain.ErrInvalidInput)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Size.IsZero() {
		opts.Size = domain.DefaultSize
	}
	if opts.Size.Width < 0 || opts.Size.Height < 0 {
		return nil, fmt.Errorf("%w: size %s", domain.ErrInvalidInput, opts.Size)
	}

	b := &Batch{
		ID:          uuid.NewString(),
		Owner:       owner,
		Concurrency: opts.Concurrency,
		Size:        opts.Size,
		CreatedAt:   now,
		items:       make([]*item, 0, len(specs)),
		index:       make(map[string]*item, len(specs)),
		done:        make(chan struct{}),
		notify:      make(chan struct{}),
	}

	for i, spec := range specs {
		if spec.ID == "" {
			spec.ID = "item-" + strconv.Itoa(i+1)
		}
		if _, dup := b.index[spec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item id %q", domain.ErrInvalidInput, spec.ID)
		}
		it := newItem(spec, now)
		b.items = append(b.items, it)
		b.index[spec.ID] = it
		b.publish(Event{ItemID: spec.ID, Stage: StageQueued, At: now})
	}

	return b, nil
}

// Cancel sets the cancellation flag. Items finish the external call they are
// in, but no further transitions are scheduled.
func (b *Batch) Cancel() {
	b.cancelled.Store(true)
	b.closeIfSettled()
}

// Cancelled reports the cancellation flag.
func (b *Batch) Cancelled() bool { return b.cancelled.Load() }

// Done is closed once Run has returned.
func (b *Batch) Done() <-chan struct{} { return b.done }

// FinishedAt reports when Run returned.
func (b *Batch) FinishedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished, !b.finished.IsZero()
}

// Item returns one item's current view.
func (b *Batch) Item(id string) (Item, bool) {
	it, ok := b.index[id]
	if !ok {
		return Item{}, false
	}
	return it.snapshot(), true
}

// Items returns every item's current view in submission order.
func (b *Batch) Items() []Item {
	out := make([]Item, len(b.items))
	for i, it := range b.items {
		out[i] = it.snapshot()
	}
	return out
}

// Summary counts outcomes. Items that never left an intermediate stage count
// as pending.
func (b *Batch) Summary() Summary {
	return summarize(b.Items())
}

func summarize(items []Item) Summary {
	s := Summary{Total: len(items)}
	for _, it := range items {
		switch {
		case it.Stage == StageFailed:
			s.Failed++
			if s.Failures == nil {
				s.Failures = make(map[domain.FailureReason]int)
			}
			s.Failures[it.Reason]++
		case it.Stage.Completed():
			s.Completed++
		default:
			s.Pending++
		}
	}
	return s
}

// Snapshot returns a consistent-enough view for polling clients.
func (b *Batch) Snapshot() Snapshot {
	items := b.Items()
	_, done := b.FinishedAt()
	return Snapshot{
		ID:          b.ID,
		Owner:       b.Owner.SubjectID,
		Concurrency: b.Concurrency,
		Size:        b.Size,
		Cancelled:   b.Cancelled(),
		Done:        done,
		CreatedAt:   b.CreatedAt,
		Items:       items,
		Summary:     summarize(items),
	}
}

// Watch streams every event of the batch from the first one onward. The
// channel is closed when the batch has settled (run finished and nothing is
// awaiting review, or cancelled after the run) or when ctx ends. Slow readers
// never lose events.
func (b *Batch) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := 0
		for {
			b.mu.Lock()
			pending := b.events[next:]
			wait := b.notify
			closed := b.closed
			b.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
			}
			if len(pending) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Events returns a copy of the event log.
func (b *Batch) Events() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// publish appends to the log. Events after the stream closed (a review on a
// cancelled batch) are still recorded and replayed by later watchers.
func (b *Batch) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.Seq = len(b.events) + 1
	ev.BatchID = b.ID
	b.events = append(b.events, ev)
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *Batch) finish(now time.Time) {
	b.mu.Lock()
	b.finished = now
	b.mu.Unlock()
	b.doneOnce.Do(func() { close(b.done) })
	b.closeIfSettled()
}

// closeIfSettled ends the event stream once the run is over and no item is
// waiting for a review verdict.
func (b *Batch) closeIfSettled() {
	if _, finished := b.FinishedAt(); !finished {
		return
	}
	if !b.Cancelled() {
		for _, it := range b.items {
			if it.stage() == StageGenerated {
				return
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
	b.notify = make(chan struct{})
}
