package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/service"
)

// maxWebhookBody matches GitHub's own payload cap.
const maxWebhookBody = 25 << 20

// Ingestor is the part of service.WebhookService the handler uses.
type Ingestor interface {
	Ingest(ctx context.Context, d service.Delivery) (service.IngestResult, error)
}

var _ Ingestor = (*service.WebhookService)(nil)

// WebhookHandler receives GitHub push deliveries. It answers as soon as the
// delivery is verified and queued; generation runs in the background.
type WebhookHandler struct {
	ingest Ingestor
	logger *slog.Logger
}

func NewWebhookHandler(ingest Ingestor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{ingest: ingest, logger: logger}
}

type webhookResponse struct {
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Attempts []string `json:"attempts,omitempty"`
}

// HandleWebhook: POST /api/github/webhookhandler
//
//	202  push queued for regeneration
//	200  verified but ignored (ping, other branch, own commit, ...)
//	400  malformed payload
//	401  bad or missing X-Hub-Signature-256
//	413  payload too large
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "could not read body"})
		return
	}
	if len(body) > maxWebhookBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "too_large", Message: "payload too large"})
		return
	}

	d := service.Delivery{
		Event:      r.Header.Get("X-GitHub-Event"),
		DeliveryID: r.Header.Get("X-GitHub-Delivery"),
		Signature:  r.Header.Get("X-Hub-Signature-256"),
		Body:       body,
	}
	if v := r.Header.Get("X-GitHub-Hook-ID"); v != "" {
		// A garbled id only disables hook filtering.
		d.HookID, _ = strconv.ParseInt(v, 10, 64)
	}

	res, err := h.ingest.Ingest(r.Context(), d)
	switch {
	case errors.Is(err, service.ErrSignature):
		h.logger.Warn("webhook: rejected delivery with bad signature",
			slog.String("delivery", d.DeliveryID),
			slog.String("remote", r.RemoteAddr),
		)
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized", Message: "invalid signature"})
		return
	case errors.Is(err, apperror.ErrValidation):
		writeError(w, err)
		return
	case err != nil:
		h.logger.Error("webhook: ingest failed",
			slog.String("delivery", d.DeliveryID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: "delivery could not be processed"})
		return
	}

	if len(res.Dispatched) == 0 {
		writeJSON(w, http.StatusOK, webhookResponse{Status: "ignored", Reason: res.Reason})
		return
	}

	ids := make([]string, 0, len(res.Dispatched))
	for _, job := range res.Dispatched {
		ids = append(ids, job.AttemptID)
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{Status: "accepted", Attempts: ids})
}
