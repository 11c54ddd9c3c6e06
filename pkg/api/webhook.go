package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/docuplane/billing/pkg/sync"
)

// SignatureHeader carries the processor's payload signature.
const SignatureHeader = "Stripe-Signature"

const maxWebhookBody = 1 << 20

// handleWebhook feeds the raw event into the state synchronizer. 200 means
// the event was applied or intentionally ignored; 400 rejects a bad
// signature permanently; any transient failure answers 503 so the
// processor redelivers.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_payload", "could not read request body", nil)
		return
	}

	err = h.processor.Process(r.Context(), payload, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		respond(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, sync.ErrSignatureVerification):
		respondError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed", nil)
	case errors.Is(err, sync.ErrRetryLater):
		respondError(w, http.StatusServiceUnavailable, "retry_later", "event cannot be applied yet", nil)
	default:
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
