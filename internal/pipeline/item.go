package pipeline

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

// Stage is a position in the item state machine.
type Stage string

const (
	StageQueued     Stage = "queued"
	StageUploading  Stage = "uploading"
	StageUploaded   Stage = "uploaded"
	StageGenerating Stage = "generating"
	StageGenerated  Stage = "generated"
	StageAccepted   Stage = "accepted"
	StageRejected   Stage = "rejected"
	StageFailed     Stage = "failed"
)

// transitions lists every legal move. Guards that run before a stage is
// entered (validation, admission, gate, credential) fail from the stage the
// item is resting in.
var transitions = map[Stage][]Stage{
	StageQueued:     {StageUploading, StageFailed},
	StageUploading:  {StageUploaded, StageFailed},
	StageUploaded:   {StageGenerating, StageFailed},
	StageGenerating: {StageGenerated, StageFailed},
	StageGenerated:  {StageAccepted, StageRejected},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Stage) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return len(transitions[s]) == 0
}

// Completed reports whether the item made it through generation.
func (s Stage) Completed() bool {
	return s == StageGenerated || s == StageAccepted || s == StageRejected
}

// Source is the image an item starts from: raw bytes with a content type, or
// a URL that is already durable.
type Source struct {
	Data        []byte
	ContentType string
	URL         string
}

// IsURL reports whether the source skips the upload call.
func (s Source) IsURL() bool {
	return s.URL != "" && len(s.Data) == 0
}

// ItemSpec is what a client submits for one image.
type ItemSpec struct {
	ID             string
	Source         Source
	Prompt         string
	NegativePrompt string
}

// Item is a point-in-time view of a pipeline item.
type Item struct {
	ID           string               `json:"id"`
	Stage        Stage                `json:"stage"`
	StoredURL    string               `json:"storedUrl,omitempty"`
	GeneratedURL string               `json:"generatedUrl,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
	Reason       domain.FailureReason `json:"reason,omitempty"`
	Attempts     int                  `json:"attempts"`
	UpdatedAt    time.Time            `json:"updatedAt"`
}

// item is the mutable state behind an Item. It is owned by exactly one batch.
type item struct {
	spec ItemSpec

	mu    sync.RWMutex
	state Item
}

func newItem(spec ItemSpec, now time.Time) *item {
	return &item{
		spec: spec,
		state: Item{
			ID:        spec.ID,
			Stage:     StageQueued,
			UpdatedAt: now,
		},
	}
}

func (it *item) snapshot() Item {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.state
}

func (it *item) stage() Stage {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.state.Stage
}

// advance moves the item to stage to, applying mutate under the lock.
func (it *item) advance(to Stage, now time.Time, mutate func(*Item)) (Item, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !CanTransition(it.state.Stage, to) {
		return it.state, fmt.Errorf("item %s: %s -> %s: %w", it.state.ID, it.state.Stage, to, domain.ErrInvalidTransition)
	}
	it.state.Stage = to
	it.state.UpdatedAt = now
	if mutate != nil {
		mutate(&it.state)
	}
	return it.state, nil
}

func (it *item) setAttempts(n int, now time.Time) Item {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.state.Attempts = n
	it.state.UpdatedAt = now
	return it.state
}
