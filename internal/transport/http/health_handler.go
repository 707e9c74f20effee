package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	ProductID string `json:"productId"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	version   string
	productID string
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version, productID string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		productID: productID,
		logger:    logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   h.version,
		ProductID: h.productID,
	})
}
