package api

import (
	"context"
	"io"
	"net/http"

	"github.com/gantrylabs/gantry/pkg/store"
)

// maxWebhookBody bounds gateway deliveries. Real events are a few KB.
const maxWebhookBody = 1 << 20

// WebhookProcessor ingests billing gateway deliveries.
type WebhookProcessor interface {
	Handle(ctx context.Context, gateway string, body []byte, signature string) (store.WebhookStatus, error)
}

// HandleWebhook handles POST /billing/webhooks/{gateway}. The raw body
// is verified against X-Signature before anything is parsed; handler
// failures are acknowledged with 200 so the gateway does not retry
// business-logic errors.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	gateway := r.PathValue("gateway")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		WriteBadRequest(w, r, "could not read request body")
		return
	}

	status, err := h.webhooks.Handle(r.Context(), gateway, body, r.Header.Get("X-Signature"))
	if err != nil {
		WriteFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}
