package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/metrics"
	"github.com/derhornspieler/memberof/internal/model"
	"github.com/derhornspieler/memberof/internal/resolve"
)

// ResolvePost handles POST /api/v1/resolve. The body names the starting
// principal and may override the configured failure mode for this one call.
func (h *Handler) ResolvePost(w http.ResponseWriter, r *http.Request) {
	var req model.ResolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body")
		return
	}
	h.resolve(w, r, req.Principal, req.Mode)
}

// ResolveGet handles GET /api/v1/resolve/{principal}. An optional
// mode query parameter overrides the configured failure mode.
func (h *Handler) ResolveGet(w http.ResponseWriter, r *http.Request) {
	principal := strings.TrimPrefix(r.URL.Path, "/api/v1/resolve/")
	h.resolve(w, r, principal, r.URL.Query().Get("mode"))
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, principal, mode string) {
	res, ok := h.runResolution(w, r, principal, mode)
	if !ok {
		return
	}
	res.SortGroups()
	writeJSON(w, http.StatusOK, res)
}

// runResolution runs one resolution and maps its errors onto HTTP responses.
// On failure the response has already been written and ok is false.
func (h *Handler) runResolution(w http.ResponseWriter, r *http.Request, principal, mode string) (res *model.Resolution, ok bool) {
	if principal == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PRINCIPAL", "principal is required")
		return nil, false
	}

	resolver := h.Resolver
	if mode != "" {
		m, err := resolve.ParseMode(mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_MODE", err.Error())
			return nil, false
		}
		resolver = resolver.WithMode(m)
	}

	ctx := r.Context()
	if h.Config.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.ResolveTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := resolver.Resolve(ctx, model.PrincipalRef(principal))
	elapsed := time.Since(start)
	modeLabel := resolver.Mode().String()
	metrics.ResolutionDuration.WithLabelValues(modeLabel).Observe(elapsed.Seconds())

	if err != nil {
		metrics.ResolutionsTotal.WithLabelValues(modeLabel, "error").Inc()
		h.writeResolveError(w, principal, err)
		return nil, false
	}

	outcome := "complete"
	if !res.Complete() {
		outcome = "partial"
	}
	metrics.ResolutionsTotal.WithLabelValues(modeLabel, outcome).Inc()
	metrics.GroupsPerResolution.Observe(float64(len(res.Groups)))

	h.Logger.Info("resolved membership",
		zap.String("principal", principal),
		zap.String("mode", modeLabel),
		zap.Int("groups", len(res.Groups)),
		zap.Int("unexpanded", len(res.Unexpanded)),
		zap.Duration("elapsed", elapsed),
	)
	return res, true
}

func (h *Handler) writeResolveError(w http.ResponseWriter, principal string, err error) {
	switch {
	case errors.Is(err, resolve.ErrNotFound):
		writeError(w, http.StatusNotFound, "PRINCIPAL_NOT_FOUND", "principal not found: "+principal)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "RESOLVE_TIMEOUT", "resolution did not finish in time")
	case errors.Is(err, resolve.ErrDepthExceeded):
		writeError(w, http.StatusUnprocessableEntity, "DEPTH_EXCEEDED", "membership graph exceeds the configured depth limit")
	default:
		h.Logger.Error("resolution failed",
			zap.String("principal", principal),
			zap.Error(err),
		)
		var lerr *resolve.LookupError
		if errors.As(err, &lerr) {
			writeError(w, http.StatusBadGateway, "LOOKUP_FAILED", "directory lookup failed for "+lerr.Principal.String())
			return
		}
		writeError(w, http.StatusBadGateway, "LOOKUP_FAILED", "directory lookup failed")
	}
}
