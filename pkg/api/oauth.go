package api

import (
	"context"
	"net/http"
)

// AuthFlow is the OAuth round-trip surface.
type AuthFlow interface {
	BeginAuthorization(ctx context.Context, instanceID string) (string, error)
	CompleteAuthorization(ctx context.Context, stateParam, code string) (string, error)
}

// HandleOAuthAuthorize handles GET /oauth/authorize/{instance_id}: it
// sends the owner to the provider's consent screen.
func (h *Handlers) HandleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instance_id")

	authURL, err := h.flow.BeginAuthorization(r.Context(), instanceID)
	if err != nil {
		WriteFromError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleOAuthCallback handles GET /oauth/callback, the provider's
// redirect target. The state parameter carries the instance and user
// binding and is checked against its issue window, so this route needs
// no bearer token.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("authorization denied by provider",
			"error", errCode, "description", q.Get("error_description"))
		WriteError(w, r, http.StatusBadRequest, "authorization_denied",
			"Bad Request", "the provider denied authorization: "+errCode)
		return
	}

	state := q.Get("state")
	code := q.Get("code")
	if state == "" || code == "" {
		WriteBadRequest(w, r, "missing state or code parameter")
		return
	}

	instanceID, err := h.flow.CompleteAuthorization(r.Context(), state, code)
	if err != nil {
		WriteFromError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"instance_id": instanceID,
		"status":      "authorized",
	})
}
