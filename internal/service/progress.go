package service

import (
	"sync"
	"time"

	"github.com/cloo-solutions/docrag/internal/domain"
)

const subscriberBuffer = 32

// ProgressHub keeps the latest progress event per document and fans events
// out to subscribers. GetStatus and the push stream both read from it, so a
// poller and a subscriber never disagree.
type ProgressHub struct {
	mu     sync.Mutex
	latest map[string]domain.ProgressEvent
	subs   map[string]map[chan domain.ProgressEvent]struct{}
	now    func() time.Time
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		latest: make(map[string]domain.ProgressEvent),
		subs:   make(map[string]map[chan domain.ProgressEvent]struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish records ev as the document's current status. Within one attempt
// progress never decreases; a queued or starting event opens a new attempt.
func (h *ProgressHub) Publish(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(ev)
}

// Seed sets the status only if none is known yet.
func (h *ProgressHub) Seed(ev domain.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.latest[ev.DocumentID]; ok {
		return
	}
	h.publishLocked(ev)
}

func (h *ProgressHub) publishLocked(ev domain.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	ev.Progress = clamp01(ev.Progress)

	prev, ok := h.latest[ev.DocumentID]
	newAttempt := ev.Stage == domain.StageQueued || ev.Stage == domain.StageStarting || ev.Stage == domain.StagePending
	if ok && !newAttempt && !prev.Stage.Terminal() && ev.Progress < prev.Progress {
		ev.Progress = prev.Progress
	}
	h.latest[ev.DocumentID] = ev

	for ch := range h.subs[ev.DocumentID] {
		deliver(ch, ev)
		if ev.Stage.Terminal() {
			close(ch)
			delete(h.subs[ev.DocumentID], ch)
		}
	}
}

// deliver never blocks the publisher. When a subscriber falls behind the
// oldest buffered event is dropped so the newest one always gets through.
func deliver(ch chan domain.ProgressEvent, ev domain.ProgressEvent) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Latest returns the current status of a document.
func (h *ProgressHub) Latest(documentID string) (domain.ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.latest[documentID]
	return ev, ok
}

// Subscribe returns a channel that first yields the current status, if any,
// and then every subsequent event. The channel is closed after a terminal
// event or when cancel is called.
func (h *ProgressHub) Subscribe(documentID string) (<-chan domain.ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.ProgressEvent, subscriberBuffer)
	if ev, ok := h.latest[documentID]; ok {
		ch <- ev
		if ev.Stage.Terminal() {
			close(ch)
			return ch, func() {}
		}
	}

	if h.subs[documentID] == nil {
		h.subs[documentID] = make(map[chan domain.ProgressEvent]struct{})
	}
	h.subs[documentID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[documentID][ch]; ok {
				delete(h.subs[documentID], ch)
				close(ch)
			}
			if len(h.subs[documentID]) == 0 {
				delete(h.subs, documentID)
			}
		})
	}
	return ch, cancel
}

// Forget drops all state for a deleted document and closes its subscribers.
func (h *ProgressHub) Forget(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.latest, documentID)
	for ch := range h.subs[documentID] {
		close(ch)
	}
	delete(h.subs, documentID)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// statusFromDocument derives a status for documents the hub has not seen
// since the process started.
func statusFromDocument(d *domain.Document) domain.ProgressEvent {
	ev := domain.ProgressEvent{DocumentID: d.ID, Timestamp: d.UpdatedAt}
	switch d.State {
	case domain.DocumentStateProcessed:
		ev.Stage, ev.Progress, ev.Message, ev.ChunkCount = domain.StageComplete, 1, "Processing complete", d.ChunkCount
	case domain.DocumentStateError:
		ev.Stage, ev.Message, ev.Reason = domain.StageError, "Processing failed", d.Error
	case domain.DocumentStateQueued:
		ev.Stage, ev.Message = domain.StageQueued, "Waiting for a processing slot"
	case domain.DocumentStateProcessing:
		ev.Stage, ev.Progress, ev.Message = domain.StageStarting, 0.05, "Processing"
	default:
		ev.Stage, ev.Message = domain.StagePending, "Not processed"
	}
	return ev
}
