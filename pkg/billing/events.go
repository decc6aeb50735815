package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedEvent rejects a delivery whose body is not a usable
// event document.
var ErrMalformedEvent = errors.New("billing: malformed event payload")

// Event is the gateway's webhook envelope. Exactly one of the data
// slots is populated depending on the event family.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the entity wrapper for whichever object the event
// concerns.
type EventData struct {
	Subscription *EntityWrapper `json:"subscription,omitempty"`
	Payment      *EntityWrapper `json:"payment,omitempty"`
	Order        *EntityWrapper `json:"order,omitempty"`
	Invoice      *EntityWrapper `json:"invoice,omitempty"`
}

// EntityWrapper is the gateway's one level of nesting around the
// actual object.
type EntityWrapper struct {
	Entity Entity `json:"entity"`
}

// Entity is the union of the fields the processor reads across
// subscription, payment, order and invoice objects.
type Entity struct {
	ID             string `json:"id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	CustomerID     string `json:"customer_id,omitempty"`
	Status         string `json:"status,omitempty"`
	CurrentEnd     int64  `json:"current_end,omitempty"`
	Notes          Notes  `json:"notes,omitempty"`
	Metadata       Notes  `json:"metadata,omitempty"`
}

// Notes is a string map that also tolerates the empty-array form some
// gateways emit when no notes are attached.
type Notes map[string]string

func (n *Notes) UnmarshalJSON(data []byte) error {
	trimmed := string(data)
	if trimmed == "null" || trimmed == "[]" || trimmed == `""` {
		*n = nil
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err == nil {
		*n = m
		return nil
	}
	// Mixed-type values: keep the string-valued keys.
	var loose map[string]any
	if err := json.Unmarshal(data, &loose); err != nil {
		return fmt.Errorf("notes must be an object: %w", err)
	}
	m = make(map[string]string, len(loose))
	for k, v := range loose {
		if s, ok := v.(string); ok {
			m[k] = s
		}
	}
	*n = m
	return nil
}

// ParseEvent decodes and minimally validates a webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	return &ev, nil
}

// subscriptionEntity returns the subscription object, or nil.
func (e *Event) subscriptionEntity() *Entity {
	if e.Data.Subscription == nil {
		return nil
	}
	return &e.Data.Subscription.Entity
}

// paymentEntity returns the payment object, or nil.
func (e *Event) paymentEntity() *Entity {
	if e.Data.Payment == nil {
		return nil
	}
	return &e.Data.Payment.Entity
}

// UserID extracts the user binding the gateway carried through notes
// or metadata.
func (en *Entity) UserID() string {
	if en == nil {
		return ""
	}
	if id := en.Notes["user_id"]; id != "" {
		return id
	}
	return en.Metadata["user_id"]
}

// PeriodEnd converts current_end (unix seconds) into a timestamp, or
// nil when the gateway sent none.
func (en *Entity) PeriodEnd() *time.Time {
	if en == nil || en.CurrentEnd <= 0 {
		return nil
	}
	t := time.Unix(en.CurrentEnd, 0).UTC()
	return &t
}
