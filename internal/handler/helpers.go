package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/derhornspieler/memberof/internal/config"
	"github.com/derhornspieler/memberof/internal/model"
	"github.com/derhornspieler/memberof/internal/resolve"
)

// HealthChecker is implemented by directory backends that can verify their
// connectivity.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Handler holds shared dependencies injected into all route handlers.
type Handler struct {
	Config   *config.Config
	Resolver *resolve.Resolver
	Checker  HealthChecker
	Logger   *zap.Logger
}

// New creates a Handler with all dependencies.
func New(cfg *config.Config, resolver *resolve.Resolver, checker HealthChecker, logger *zap.Logger) *Handler {
	return &Handler{
		Config:   cfg,
		Resolver: resolver,
		Checker:  checker,
		Logger:   logger.Named("handler"),
	}
}

// decodeJSON reads and decodes a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	model.WriteJSON(w, status, v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	model.WriteError(w, status, code, message)
}
