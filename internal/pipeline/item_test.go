package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaGioMusic/Lumina-Mxolod-Photo-sub001/pkg/domain"
)

func TestStateMachine(t *testing.T) {
	legal := [][2]Stage{
		{StageQueued, StageUploading},
		{StageQueued, StageFailed},
		{StageUploading, StageUploaded},
		{StageUploading, StageFailed},
		{StageUploaded, StageGenerating},
		{StageUploaded, StageFailed},
		{StageGenerating, StageGenerated},
		{StageGenerating, StageFailed},
		{StageGenerated, StageAccepted},
		{StageGenerated, StageRejected},
	}
	for _, pair := range legal {
		assert.True(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	illegal := [][2]Stage{
		{StageQueued, StageGenerating},
		{StageUploaded, StageUploading},
		{StageGenerated, StageFailed},
		{StageFailed, StageQueued},
		{StageAccepted, StageRejected},
	}
	for _, pair := range illegal {
		assert.False(t, CanTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	for _, s := range []Stage{StageAccepted, StageRejected, StageFailed} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StageGenerated.Terminal())
	assert.True(t, StageGenerated.Completed())
}

func TestItemAdvanceRejectsIllegalMove(t *testing.T) {
	it := newItem(ItemSpec{ID: "a"}, time.Now())

	_, err := it.advance(StageGenerated, time.Now(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, StageQueued, it.stage())
}

func TestNewBatchValidation(t *testing.T) {
	_, err := NewBatch(owner, nil, BatchOptions{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = NewBatch(owner, []ItemSpec{{ID: "x"}, {ID: "x"}}, BatchOptions{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	b, err := NewBatch(owner, []ItemSpec{{}, {}}, BatchOptions{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, DefaultConcurrency, b.Concurrency)
	assert.Equal(t, domain.DefaultSize, b.Size)

	snap := b.Snapshot()
	require.Len(t, snap.Items, 2)
	assert.Equal(t, "item-1", snap.Items[0].ID)
	assert.Equal(t, "item-2", snap.Items[1].ID)
	assert.Equal(t, 2, snap.Summary.Pending)
	assert.False(t, snap.Done)
	assert.Equal(t, "user-1", snap.Owner)
}

func TestEnhancePrompt(t *testing.T) {
	got := EnhancePrompt("  Sunny kitchen, Natural Daylight ")

	assert.True(t, strings.HasPrefix(got, "Sunny kitchen, Natural Daylight, professional real estate photography"))
	assert.Equal(t, 1, strings.Count(strings.ToLower(got), "natural daylight"))
	assert.Contains(t, got, "photorealistic")

	assert.True(t, strings.HasPrefix(EnhancePrompt(""), "professional real estate photography"))
}

func TestNegativePromptOrDefault(t *testing.T) {
	assert.Equal(t, DefaultNegativePrompt, NegativePromptOrDefault("   "))
	assert.Equal(t, "clutter", NegativePromptOrDefault(" clutter "))
	for _, term := range []string{"blurry", "distorted", "people", "text", "watermark"} {
		assert.Contains(t, DefaultNegativePrompt, term)
	}
}
