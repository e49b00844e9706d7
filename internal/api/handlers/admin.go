package handlers

import (
	"context"
	"net/http"

	"github.com/cloo-solutions/docrag/internal/api"
	"github.com/cloo-solutions/docrag/internal/service"
)

type Reconciler interface {
	Reconcile(ctx context.Context, mode service.ReconcileMode) (*service.ReconcileReport, error)
}

type AdminHandler struct {
	reconciler Reconciler
}

func NewAdminHandler(reconciler Reconciler) *AdminHandler {
	return &AdminHandler{reconciler: reconciler}
}

// Reconcile runs an on-demand pass; in-flight ingestion is left alone.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context(), service.ReconcileOnDemand)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.Success(w, http.StatusOK, report)
}

func Health(w http.ResponseWriter, _ *http.Request) {
	api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
}
