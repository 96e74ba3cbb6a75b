package handler

import (
	"net/http"

	"go.uber.org/zap"
)

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe. It verifies the directory backend is
// reachable before the service accepts traffic.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.Checker.Healthy(r.Context()); err != nil {
		h.Logger.Warn("readiness check failed",
			zap.String("backend", h.Config.Backend),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": "directory backend unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
