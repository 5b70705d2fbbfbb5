package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"llmready/internal/billing"
	"llmready/internal/logging"
	"llmready/internal/metrics"

	"github.com/stripe/stripe-go/v76/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// handleStripeWebhook verifies the signature and hands the event to the
// reconciler. A verified event is acknowledged with 200 once its outcome is
// in the event log, failed ones included. When the outcome could not be
// stored the answer is 500 so Stripe delivers it again.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(s.cfg.StripeWebhookSecret) == "" {
		status = http.StatusServiceUnavailable
		respondJSON(w, status, ErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		respondJSON(w, status, ErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		respondJSON(w, status, ErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.cfg.StripeWebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		respondJSON(w, status, ErrorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	outcome, err := s.reconciler.Process(r.Context(), event)
	switch {
	case errors.Is(err, billing.ErrMalformedPayload):
		logging.FromContext(r.Context()).Warn().Err(err).Str("type", eventType).Msg("Stripe webhook rejected")
		status = http.StatusBadRequest
		respondJSON(w, status, ErrorResponse{Error: "malformed event"})
		return
	case err != nil:
		logging.FromContext(r.Context()).Error().Err(err).Str("type", eventType).Msg("Stripe webhook not recorded")
		status = http.StatusInternalServerError
		respondJSON(w, status, ErrorResponse{Error: "event not recorded"})
		return
	}
	respondJSON(w, status, webhookReceivedResponse{Received: true, Status: string(outcome)})
}
