package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks that the database answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats reports generation queue depth.
type QueueStats interface {
	Stats() (running, pending int)
}

type HealthHandler struct {
	db     Pinger
	queue  QueueStats
	logger *slog.Logger
}

func NewHealthHandler(db Pinger, queue QueueStats, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, logger: logger}
}

type healthResponse struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
	Pending int    `json:"pending"`
}

// HandleHealth: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	running, pending := h.queue.Stats()
	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health: database ping failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Running: running, Pending: pending})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Running: running, Pending: pending})
}
