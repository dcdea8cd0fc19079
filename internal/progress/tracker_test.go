package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	tr := NewTracker()
	t.Cleanup(tr.Shutdown)
	return tr
}

func TestStartAndGet(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()

	tr.Start(context.Background(), id, OpCrawl, map[string]any{"url": "https://example.com"})

	op, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatusStarting, op.Status)
	assert.Equal(t, 0, op.Progress)
	assert.Equal(t, "https://example.com", op.Payload["url"])
	assert.True(t, tr.IsActive(id))
}

func TestGetUnknown(t *testing.T) {
	tr := newTestTracker(t)
	_, ok := tr.Get("nope")
	assert.False(t, ok)
}

func TestProgressMonotonic(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpCrawl, nil)

	tr.Update(id, StatusFetching, 40, "fetching", nil)
	tr.Update(id, StatusProcessing, 10, "processing", nil)

	op, _ := tr.Get(id)
	assert.Equal(t, 40, op.Progress, "lower progress values are clamped upward")
	assert.Equal(t, StatusProcessing, op.Status)
}

func TestProgressCappedAt100(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpUpload, nil)

	tr.Update(id, StatusEmbedding, 250, "", nil)
	op, _ := tr.Get(id)
	assert.Equal(t, 100, op.Progress)
}

func TestTerminalImmutable(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpCrawl, nil)

	tr.Complete(id, map[string]any{"chunks_processed": 12})
	tr.Update(id, StatusFetching, 10, "late update", nil)

	op, _ := tr.Get(id)
	assert.Equal(t, StatusCompleted, op.Status)
	assert.Equal(t, 100, op.Progress)
	assert.Equal(t, "completed", op.Log)
	assert.EqualValues(t, 12, op.Payload["chunks_processed"])
}

func TestTerminalIdempotent(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpCrawl, nil)

	tr.Error(id, "embedding service unreachable")
	tr.Error(id, "second error ignored")

	op, _ := tr.Get(id)
	assert.Equal(t, StatusError, op.Status)
	assert.Equal(t, "embedding service unreachable", op.Log)
}

func TestStopCancelsContext(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	ctx := tr.Start(context.Background(), id, OpCrawl, nil)

	tr.Stop(id)

	assert.False(t, tr.IsActive(id))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after Stop")
	}

	// Second stop is a no-op.
	tr.Stop(id)
}

func TestCompleteRemovesFromActiveRegistry(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpReEmbed, nil)

	tr.Complete(id, nil)
	assert.False(t, tr.IsActive(id))
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()

	var got []Status
	unsub := tr.Subscribe(id, func(op *Operation) {
		got = append(got, op.Status)
	})
	defer unsub()

	tr.Start(context.Background(), id, OpCrawl, nil)
	tr.Update(id, StatusFetching, 10, "", nil)
	tr.Complete(id, nil)

	require.Len(t, got, 3)
	assert.Equal(t, []Status{StatusStarting, StatusFetching, StatusCompleted}, got)
}

func TestSweepRemovesAgedTerminalRecords(t *testing.T) {
	tr := newTestTracker(t)
	id := NewID()
	tr.Start(context.Background(), id, OpCrawl, nil)
	tr.Complete(id, nil)

	// Simulate age by sweeping far in the future.
	tr.sweep(time.Now().UTC().Add(time.Hour))

	_, ok := tr.Get(id)
	assert.False(t, ok)
}

func TestSweepKeepsRecentAndLiveRecords(t *testing.T) {
	tr := newTestTracker(t)
	live := NewID()
	done := NewID()
	tr.Start(context.Background(), live, OpCrawl, nil)
	tr.Start(context.Background(), done, OpCrawl, nil)
	tr.Complete(done, nil)

	tr.sweep(time.Now().UTC())

	_, ok := tr.Get(live)
	assert.True(t, ok)
	_, ok = tr.Get(done)
	assert.True(t, ok, "recent terminal records survive until aged out")
}
