package api

import (
	"net/http"

	"polyvox/pkg/tts"
)

// CapabilitySource exposes the backend capability table.
type CapabilitySource interface {
	Capabilities() []tts.Capability
}

// CapabilityHandler handles GET /api/capabilities.
type CapabilityHandler struct {
	source CapabilitySource
}

// NewCapabilityHandler creates a new CapabilityHandler.
func NewCapabilityHandler(source CapabilitySource) *CapabilityHandler {
	return &CapabilityHandler{source: source}
}

func (h *CapabilityHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"backends": h.source.Capabilities()})
}
