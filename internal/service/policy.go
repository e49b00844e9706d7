package service

import (
	"sync/atomic"

	"github.com/cloo-solutions/docrag/internal/config"
)

// PolicyHolder shares the current policy between ingestion and retrieval.
// Store swaps it atomically; in-flight work keeps the version it loaded.
type PolicyHolder struct {
	p atomic.Pointer[config.Policy]
}

func NewPolicyHolder(p *config.Policy) *PolicyHolder {
	if p == nil {
		p = config.DefaultPolicy()
	}
	h := &PolicyHolder{}
	h.p.Store(p)
	return h
}

func (h *PolicyHolder) Load() *config.Policy {
	return h.p.Load()
}

func (h *PolicyHolder) Store(p *config.Policy) {
	if p != nil {
		h.p.Store(p)
	}
}
