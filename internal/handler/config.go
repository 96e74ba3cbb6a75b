package handler

import (
	"net/http"

	"github.com/derhornspieler/memberof/internal/model"
)

// GetPublicConfig returns the non-sensitive runtime configuration.
func (h *Handler) GetPublicConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.PublicConfig{
		Backend: h.Config.Backend,
		Mode:    h.Resolver.Mode().String(),
		Workers: h.Resolver.Workers(),
	})
}
