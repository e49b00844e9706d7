// Package jobs runs document ingestion in the background of docragd.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"
)

// JobProcessor does one pass over whatever work is pending.
type JobProcessor interface {
	ProcessJobs(ctx context.Context) error
}

// Worker calls its processor once at start, on every poll tick and whenever
// Trigger is called. Passes never overlap.
type Worker struct {
	processor    JobProcessor
	pollInterval time.Duration

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewWorker(processor JobProcessor, pollInterval time.Duration) *Worker {
	return &Worker{
		processor:    processor,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Trigger asks for a pass without waiting for the next tick. It never
// blocks, and triggers that arrive while one is pending collapse into it.
func (w *Worker) Trigger() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	log.Printf("worker: started with poll interval %v", w.pollInterval)

	for {
		w.pass(ctx)

		select {
		case <-ctx.Done():
			log.Println("worker: stopped, context cancelled")
			return
		case <-w.stop:
			log.Println("worker: stopped, stop signal received")
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) pass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.processor.ProcessJobs(ctx); err != nil {
		log.Printf("worker: pass failed: %v", err)
	}
}

// Stop ends the loop and waits for the current pass to return. Calling it
// more than once is safe, but Start must have been called.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	log.Println("worker: shutdown complete")
}
