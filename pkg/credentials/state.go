package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// stateLifetime bounds how long an authorization round-trip may take.
const stateLifetime = 10 * time.Minute

var (
	// ErrStateInvalid: the state parameter is not ours or is mangled.
	ErrStateInvalid = errors.New("credentials: invalid oauth state")

	// ErrStateExpired: the state is authentic but older than the
	// allowed round-trip window.
	ErrStateExpired = errors.New("credentials: oauth state expired")
)

// State carries the context of an in-flight authorization through the
// provider redirect. It is opaque to the provider and to the browser.
type State struct {
	InstanceID string    `json:"instance_id"`
	UserID     string    `json:"user_id"`
	Service    string    `json:"service"`
	IssuedAt   time.Time `json:"timestamp"`
}

// EncodeState packs a State for the state query parameter.
func EncodeState(s State) string {
	raw, _ := json.Marshal(s)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeState unpacks and validates a state parameter against the
// round-trip window.
func DecodeState(encoded string, now time.Time) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return State{}, ErrStateInvalid
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, ErrStateInvalid
	}
	if s.InstanceID == "" || s.IssuedAt.IsZero() {
		return State{}, ErrStateInvalid
	}
	if now.Sub(s.IssuedAt) > stateLifetime {
		return State{}, ErrStateExpired
	}
	return s, nil
}
