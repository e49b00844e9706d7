package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/domain"
	"github.com/cloo-solutions/docrag/internal/pagination"
	"github.com/go-chi/chi/v5"
)

type ChatService interface {
	Create(ctx context.Context, title string) (*domain.Chat, error)
	Get(ctx context.Context, id string) (*domain.Chat, error)
	List(ctx context.Context) ([]*domain.Chat, error)
	Delete(ctx context.Context, id string) error
	Messages(ctx context.Context, chatID, cursor string, limit int) (*pagination.PageResult[*domain.Message], error)
}

type ChatHandler struct {
	svc ChatService
}

func NewChatHandler(svc ChatService) *ChatHandler {
	return &ChatHandler{svc: svc}
}

type CreateChatRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type ChatResponse struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type MessageResponse struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Sources   []domain.Source `json:"sources,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func chatToResponse(c *domain.Chat) *ChatResponse {
	return &ChatResponse{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func messageToResponse(m *domain.Message) *MessageResponse {
	return &MessageResponse{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		Sources:   m.Sources,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *ChatHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if r.ContentLength != 0 && !api.DecodeJSON(w, r, &req) {
		return
	}

	chat, err := h.svc.Create(r.Context(), req.Title)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusCreated, chatToResponse(chat))
}

func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	chats, err := h.svc.List(r.Context())
	if err != nil {
		api.HandleError(w, err)
		return
	}
	resp := make([]*ChatResponse, 0, len(chats))
	for _, c := range chats {
		resp = append(resp, chatToResponse(c))
	}
	api.Success(w, http.StatusOK, resp)
}

func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	chat, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, chatToResponse(chat))
}

func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		api.HandleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) Messages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	page, err := h.svc.Messages(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("cursor"), limit)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	items := make([]*MessageResponse, 0, len(page.Items))
	for _, m := range page.Items {
		items = append(items, messageToResponse(m))
	}
	api.Success(w, http.StatusOK, pagination.PageResult[*MessageResponse]{
		Items:   items,
		Cursor:  page.Cursor,
		HasMore: page.HasMore,
	})
}
