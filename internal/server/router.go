package server

import (
	"net/http"

	"github.com/cloo-solutions/docrag/internal/api/handlers"
	"github.com/cloo-solutions/docrag/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	DocumentHandler *handlers.DocumentHandler
	ChatHandler     *handlers.ChatHandler
	QueryHandler    *handlers.QueryHandler
	AdminHandler    *handlers.AdminHandler
	// MaxUploadBytes bounds document uploads; other bodies use a fixed limit.
	MaxUploadBytes int64
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	const maxBodyBytes int64 = 1 << 20

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)

	r.Get("/health", handlers.Health)

	r.Route("/documents", func(r chi.Router) {
		r.With(middleware.MaxUploadBytes(cfg.MaxUploadBytes)).Post("/", cfg.DocumentHandler.Upload)

		r.Group(func(r chi.Router) {
			r.Use(middleware.MaxBodyBytes(maxBodyBytes))
			r.Get("/", cfg.DocumentHandler.List)
			r.Get("/{id}", cfg.DocumentHandler.Get)
			r.Get("/{id}/status", cfg.DocumentHandler.Status)
			r.Get("/{id}/events", cfg.DocumentHandler.Events)
			r.Post("/{id}/reprocess", cfg.DocumentHandler.Reprocess)
			r.Patch("/{id}/preferences", cfg.DocumentHandler.Preferences)
			r.Delete("/{id}", cfg.DocumentHandler.Delete)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.MaxBodyBytes(maxBodyBytes))

		r.Route("/chats", func(r chi.Router) {
			r.Post("/", cfg.ChatHandler.Create)
			r.Get("/", cfg.ChatHandler.List)
			r.Get("/{id}", cfg.ChatHandler.Get)
			r.Delete("/{id}", cfg.ChatHandler.Delete)
			r.Get("/{id}/messages", cfg.ChatHandler.Messages)
		})

		r.Post("/query/stream", cfg.QueryHandler.Stream)
		r.Post("/admin/reconcile", cfg.AdminHandler.Reconcile)
	})

	return r
}
