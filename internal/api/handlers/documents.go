package handlers

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/service"
	"github.com/go-chi/chi/v5"
)

type DocumentService interface {
	Register(ctx context.Context, input service.RegisterInput) (*domain.Document, error)
	Queue(ctx context.Context, id string) (*domain.Document, error)
	Reprocess(ctx context.Context, id string) (*domain.Document, error)
	SetQueryEnabled(ctx context.Context, id string, enabled bool) (*domain.Document, error)
	Get(ctx context.Context, id string) (*domain.Document, error)
	List(ctx context.Context) ([]*domain.Document, error)
	GetStatus(ctx context.Context, id string) (domain.ProgressEvent, error)
	Subscribe(ctx context.Context, id string) (<-chan domain.ProgressEvent, func(), error)
	Delete(ctx context.Context, id string) error
}

type DocumentHandler struct {
	svc       DocumentService
	maxUpload int64
}

func NewDocumentHandler(svc DocumentService, maxUpload int64) *DocumentHandler {
	return &DocumentHandler{svc: svc, maxUpload: maxUpload}
}

type DocumentResponse struct {
	ID           string `json:"id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	State        string `json:"state"`
	ChunkCount   int    `json:"chunk_count"`
	QueryEnabled bool   `json:"query_enabled"`
	Error        string `json:"error,omitempty"`
	UploadedAt   string `json:"uploaded_at"`
	UpdatedAt    string `json:"updated_at"`
}

type PreferencesRequest struct {
	QueryEnabled *bool `json:"query_enabled" validate:"required"`
}

func documentToResponse(d *domain.Document) *DocumentResponse {
	return &DocumentResponse{
		ID:           d.ID,
		Filename:     d.Filename,
		ContentType:  d.ContentType,
		SizeBytes:    d.SizeBytes,
		State:        string(d.State),
		ChunkCount:   d.ChunkCount,
		QueryEnabled: d.QueryEnabled,
		Error:        d.Error,
		UploadedAt:   d.UploadedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    d.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.List(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}

	resp := make([]*DocumentResponse, 0, len(docs))
	for _, d := range docs {
		resp = append(resp, documentToResponse(d))
	}
	api.Success(w, http.StatusOK, resp)
}

// Upload registers a multipart `file` upload and queues it for ingestion.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		api.Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		api.Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	if h.maxUpload > 0 && header.Size > h.maxUpload {
		api.Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "failed to read file")
		return
	}

	doc, err := h.svc.Register(r.Context(), service.RegisterInput{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		api.HandleError(w, err)
		return
	}

	queued, err := h.svc.Queue(r.Context(), doc.ID)
	if err != nil {
		// the record stays unprocessed; reprocess picks it up
		log.Printf("documents: failed to queue %s: %v", doc.ID, err)
		api.Success(w, http.StatusCreated, documentToResponse(doc))
		return
	}
	api.Success(w, http.StatusCreated, documentToResponse(queued))
}

func (h *DocumentHandler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, status)
}

func (h *DocumentHandler) Reprocess(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusAccepted, documentToResponse(doc))
}

func (h *DocumentHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if !api.DecodeJSON(w, r, &req) {
		return
	}

	doc, err := h.svc.SetQueryEnabled(r.Context(), chi.URLParam(r, "id"), *req.QueryEnabled)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, documentToResponse(doc))
}

func (h *DocumentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Events streams processing progress as server-sent events until the
// document reaches a terminal stage or the client goes away.
func (h *DocumentHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, cancel, err := h.svc.Subscribe(ctx, chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	defer cancel()

	sse, err := api.NewSSEWriter(w)
	if err != nil {
		api.Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	heartbeat := time.NewTicker(api.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := sse.Heartbeat(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.Event(progressEventName(ev.Stage), ev); err != nil {
				return
			}
			if ev.Stage.Terminal() {
				return
			}
		}
	}
}

func progressEventName(stage domain.Stage) string {
	switch stage {
	case domain.StagePending, domain.StageQueued:
		return "waiting"
	case domain.StageComplete:
		return "complete"
	case domain.StageError:
		return "error"
	default:
		return "progress"
	}
}
