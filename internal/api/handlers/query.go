package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/service"
)

type QueryService interface {
	Ask(ctx context.Context, input service.AskInput, emit service.EmitFunc) (*domain.Message, error)
}

type QueryHandler struct {
	svc QueryService
}

func NewQueryHandler(svc QueryService) *QueryHandler {
	return &QueryHandler{svc: svc}
}

type QueryRequest struct {
	ChatID string `json:"chat_id" validate:"omitempty,max=64"`
	Query  string `json:"query" validate:"required,max=8000"`
}

// Stream answers a question over server-sent events. Every stream ends with
// exactly one end or error event unless the client disconnects first.
func (h *QueryHandler) Stream(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	sse, err := api.NewSSEWriter(w)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stopHeartbeat := keepAlive(ctx, sse, api.HeartbeatInterval)
	defer stopHeartbeat()

	emit := func(ev domain.QueryEvent) {
		if err := sse.Data(ev); err != nil {
			// client went away
			cancel()
		}
	}

	_, err = h.svc.Ask(ctx, service.AskInput{ChatID: req.ChatID, Query: req.Query}, emit)
	if err == nil || r.Context().Err() != nil {
		return
	}
	if !errors.Is(err, context.Canceled) {
		log.Printf("query: %v", err)
	}
	_ = sse.Data(domain.QueryEvent{Type: domain.QueryEventError, Message: errorMessage(err)})
}

// keepAlive sends heartbeats on sse until ctx ends or the returned stop func
// is called. stop waits for the goroutine, so nothing is written to the
// response once it returns.
func keepAlive(ctx context.Context, sse *api.SSEWriter, interval time.Duration) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if sse.Heartbeat() != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func errorMessage(err error) string {
	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "internal server error"
}
