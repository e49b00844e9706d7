package service

import (
	"testing"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressHub_MonotonicWithinAttempt(t *testing.T) {
	h := NewProgressHub()
	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageEmbedding, Progress: 0.6})
	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageStoring, Progress: 0.2})

	ev, ok := h.Latest("d")
	require.True(t, ok)
	assert.Equal(t, domain.StageStoring, ev.Stage)
	assert.InDelta(t, 0.6, ev.Progress, 1e-9)

	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageQueued})
	ev, _ = h.Latest("d")
	assert.Zero(t, ev.Progress, "a new attempt starts from zero")

	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageExtraction, Progress: 7})
	ev, _ = h.Latest("d")
	assert.Equal(t, 1.0, ev.Progress)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestProgressHub_SubscribeAfterTerminal(t *testing.T) {
	h := NewProgressHub()
	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageComplete, Progress: 1, ChunkCount: 3})

	ch, cancel := h.Subscribe("d")
	defer cancel()

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 3, ev.ChunkCount)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestProgressHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewProgressHub()
	ch, cancel := h.Subscribe("d")
	defer cancel()

	for i := 0; i < subscriberBuffer*2; i++ {
		h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageEmbedding, Progress: float64(i) / 100})
	}
	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageComplete, Progress: 1})

	var last domain.ProgressEvent
	count := 0
	for ev := range ch {
		last = ev
		count++
	}
	assert.Equal(t, domain.StageComplete, last.Stage)
	assert.LessOrEqual(t, count, subscriberBuffer)
}

func TestProgressHub_CancelAndForget(t *testing.T) {
	h := NewProgressHub()
	ch, cancel := h.Subscribe("d")
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	other, otherCancel := h.Subscribe("d")
	defer otherCancel()
	h.Publish(domain.ProgressEvent{DocumentID: "d", Stage: domain.StageChunking, Progress: 0.4})
	h.Forget("d")

	<-other
	select {
	case _, ok := <-other:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed")
	}
	_, known := h.Latest("d")
	assert.False(t, known)
}

func TestStatusFromDocument(t *testing.T) {
	doc := &domain.Document{ID: "d", State: domain.DocumentStateError, Error: "boom"}
	ev := statusFromDocument(doc)
	assert.Equal(t, domain.StageError, ev.Stage)
	assert.Equal(t, "boom", ev.Reason)

	doc.State = domain.DocumentStateProcessed
	doc.ChunkCount = 4
	ev = statusFromDocument(doc)
	assert.Equal(t, domain.StageComplete, ev.Stage)
	assert.Equal(t, 4, ev.ChunkCount)

	doc.State = domain.DocumentStateUnprocessed
	assert.Equal(t, domain.StagePending, statusFromDocument(doc).Stage)
}

func TestFingerprinters(t *testing.T) {
	assert.Equal(t, ContentFingerprint("a.txt", []byte("x")), ContentFingerprint("b.txt", []byte("x")))
	assert.NotEqual(t, ContentFingerprint("a.txt", []byte("x")), ContentFingerprint("a.txt", []byte("y")))
	assert.Equal(t, FilenameFingerprint("dir/Report.PDF", nil), FilenameFingerprint("report.pdf", []byte("z")))
	assert.NotEqual(t, UniqueFingerprint("a", nil), UniqueFingerprint("a", nil))

	for _, policy := range []string{"", "content", "filename", "none"} {
		fn, err := FingerprinterFor(policy)
		assert.NoError(t, err)
		assert.NotNil(t, fn)
	}
	_, err := FingerprinterFor("sha1")
	assert.Error(t, err)
}

func TestPolicyHolder(t *testing.T) {
	h := NewPolicyHolder(nil)
	require.NotNil(t, h.Load())
	assert.Equal(t, 0.5, h.Load().Retrieval.AcceptScore)
}
