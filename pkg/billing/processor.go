package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gantrylabs/gantry/pkg/metrics"
	"github.com/gantrylabs/gantry/pkg/observability"
	"github.com/gantrylabs/gantry/pkg/plans"
	"github.com/gantrylabs/gantry/pkg/store"
)

// PlanStore is the slice of the store the processor reads and mutates.
type PlanStore interface {
	UpsertWebhookEvent(ctx context.Context, externalID, eventType, gateway string, payload []byte, status store.WebhookStatus, procErr string) error
	IsEventProcessed(ctx context.Context, externalID string) (bool, error)
	AtomicActivateProSubscription(ctx context.Context, userID, subscriptionID string, expiresAt *time.Time, customerID string) (store.ActivationStatus, error)
	HandlePlanCancellation(ctx context.Context, userID string) ([]string, error)
	GetUserPlanBySubscriptionID(ctx context.Context, subscriptionID string) (*plans.UserPlan, error)
	UpdateUserPlanBilling(ctx context.Context, userID string, status plans.PaymentStatus, expiresAt *time.Time) error
}

// Supervision stops workers for instances a plan downgrade deactivated.
type Supervision interface {
	Stop(ctx context.Context, instanceID string) error
}

// errSkipEvent marks a handler outcome that should be recorded as
// skipped rather than failed, such as an event for a subscription this
// deployment never issued.
var errSkipEvent = errors.New("skip event")

type handlerFunc func(ctx context.Context, ev *Event) error

// Processor verifies, deduplicates, and dispatches gateway webhooks.
// Handling is serialized per external event id; distinct ids proceed
// in parallel.
type Processor struct {
	store   PlanStore
	secrets map[string]string
	sup     Supervision
	logger  *slog.Logger

	handlers map[string]handlerFunc
	locks    eventLocks
}

// Option configures a Processor.
type Option func(*Processor)

// WithSupervision wires the supervisor so cancellation downgrades also
// stop the live workers of deactivated instances.
func WithSupervision(sup Supervision) Option {
	return func(p *Processor) { p.sup = sup }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l.With("component", "billing")
		}
	}
}

// New builds a Processor. secrets maps gateway identifiers to their
// shared webhook secrets; a gateway without a secret rejects every
// delivery.
func New(planStore PlanStore, secrets map[string]string, opts ...Option) *Processor {
	p := &Processor{
		store:   planStore,
		secrets: make(map[string]string, len(secrets)),
		logger:  slog.With("component", "billing"),
	}
	for gateway, secret := range secrets {
		p.secrets[gateway] = secret
	}
	p.handlers = map[string]handlerFunc{
		"subscription.activated":     p.handleActivation,
		"subscription.authenticated": p.handleActivation,
		"subscription.cancelled":     p.handleCancellation,
		"payment.failed":             p.handlePaymentFailed,
		"subscription.charged":       p.handleObservational,
		"subscription.completed":     p.handleObservational,
		"payment.authorized":         p.handleObservational,
		"order.paid":                 p.handleObservational,
		"invoice.paid":               p.handleObservational,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes one webhook delivery and returns the recorded
// status. A non-nil error means the delivery was not recorded at all:
// signature and parse errors should surface as 400, anything else as
// 500 so the gateway retries. Handler failures are recorded as failed
// with a nil error so the caller acknowledges the delivery.
func (p *Processor) Handle(ctx context.Context, gateway string, body []byte, signature string) (store.WebhookStatus, error) {
	ctx, span := observability.StartSpan(ctx, "billing.webhook",
		trace.WithAttributes(observability.AttrGateway.String(gateway)))
	status, err := p.handle(ctx, gateway, body, signature)
	observability.EndSpan(span, err)
	return status, err
}

func (p *Processor) handle(ctx context.Context, gateway string, body []byte, signature string) (store.WebhookStatus, error) {
	if err := VerifySignature(p.secrets[gateway], body, signature); err != nil {
		p.logger.Warn("webhook signature rejected", "gateway", gateway, "error", err)
		metrics.IncWebhookEvent(gateway, "unknown", "rejected")
		return "", err
	}
	ev, err := ParseEvent(body)
	if err != nil {
		return "", err
	}
	observability.SpanFromContext(ctx).SetAttributes(
		observability.AttrEventType.String(ev.Type))

	log := p.logger.With("gateway", gateway, "event_id", ev.ID, "event_type", ev.Type)

	unlock := p.locks.lock(ev.ID)
	defer unlock()

	done, err := p.store.IsEventProcessed(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if done {
		if err := p.record(ctx, gateway, ev, body, store.WebhookSkipped, ""); err != nil {
			return "", err
		}
		log.Info("duplicate event skipped")
		return store.WebhookSkipped, nil
	}

	if err := p.record(ctx, gateway, ev, body, store.WebhookPending, ""); err != nil {
		return "", err
	}

	handler, known := p.handlers[ev.Type]
	if !known {
		if err := p.record(ctx, gateway, ev, body, store.WebhookSkipped, ""); err != nil {
			return "", err
		}
		log.Warn("unrecognized event type skipped")
		return store.WebhookSkipped, nil
	}

	switch herr := handler(ctx, ev); {
	case errors.Is(herr, errSkipEvent):
		if err := p.record(ctx, gateway, ev, body, store.WebhookSkipped, ""); err != nil {
			return "", err
		}
		return store.WebhookSkipped, nil
	case herr != nil:
		// Recorded as failed, but the delivery is still acknowledged.
		if err := p.record(ctx, gateway, ev, body, store.WebhookFailed, herr.Error()); err != nil {
			return "", err
		}
		log.Error("event handler failed", "error", herr)
		return store.WebhookFailed, nil
	default:
		if err := p.record(ctx, gateway, ev, body, store.WebhookProcessed, ""); err != nil {
			return "", err
		}
		log.Info("event processed")
		return store.WebhookProcessed, nil
	}
}

func (p *Processor) record(ctx context.Context, gateway string, ev *Event, body []byte, status store.WebhookStatus, procErr string) error {
	if err := p.store.UpsertWebhookEvent(ctx, ev.ID, ev.Type, gateway, body, status, procErr); err != nil {
		return fmt.Errorf("billing: failed to record event %s: %w", ev.ID, err)
	}
	if status != store.WebhookPending {
		metrics.IncWebhookEvent(gateway, ev.Type, string(status))
	}
	return nil
}

func (p *Processor) handleActivation(ctx context.Context, ev *Event) error {
	sub := ev.subscriptionEntity()
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%s event carries no subscription entity", ev.Type)
	}
	userID := sub.UserID()
	if userID == "" {
		return fmt.Errorf("subscription %s carries no user_id in notes or metadata", sub.ID)
	}
	result, err := p.store.AtomicActivateProSubscription(ctx, userID, sub.ID, sub.PeriodEnd(), sub.CustomerID)
	if err != nil {
		return err
	}
	p.logger.Info("pro subscription activated",
		"user_id", userID, "subscription_id", sub.ID, "result", string(result))
	return nil
}

func (p *Processor) handleCancellation(ctx context.Context, ev *Event) error {
	sub := ev.subscriptionEntity()
	if sub == nil || sub.ID == "" {
		return fmt.Errorf("%s event carries no subscription entity", ev.Type)
	}
	userID := sub.UserID()
	if userID == "" {
		plan, err := p.store.GetUserPlanBySubscriptionID(ctx, sub.ID)
		if err != nil {
			return err
		}
		if plan == nil {
			p.logger.Warn("cancellation for unknown subscription", "subscription_id", sub.ID)
			return errSkipEvent
		}
		userID = plan.UserID
	}

	victims, err := p.store.HandlePlanCancellation(ctx, userID)
	if err != nil {
		return err
	}
	p.logger.Info("plan downgraded to free",
		"user_id", userID, "subscription_id", sub.ID, "deactivated", len(victims))

	// The store rows are already inactive; stopping their workers is
	// best-effort.
	if p.sup != nil {
		for _, id := range victims {
			if err := p.sup.Stop(ctx, id); err != nil {
				p.logger.Error("failed to stop deactivated worker", "instance_id", id, "error", err)
			}
		}
	}
	return nil
}

func (p *Processor) handlePaymentFailed(ctx context.Context, ev *Event) error {
	pay := ev.paymentEntity()
	if pay == nil {
		return fmt.Errorf("%s event carries no payment entity", ev.Type)
	}
	if pay.SubscriptionID == "" {
		return errors.New("payment entity carries no subscription_id")
	}
	plan, err := p.store.GetUserPlanBySubscriptionID(ctx, pay.SubscriptionID)
	if err != nil {
		return err
	}
	if plan == nil {
		p.logger.Warn("payment failure for unknown subscription", "subscription_id", pay.SubscriptionID)
		return errSkipEvent
	}
	if err := p.store.UpdateUserPlanBilling(ctx, plan.UserID, plans.PaymentFailed, nil); err != nil {
		return err
	}
	p.logger.Warn("payment failed", "user_id", plan.UserID, "subscription_id", pay.SubscriptionID)
	return nil
}

func (p *Processor) handleObservational(context.Context, *Event) error {
	return nil
}

// eventLocks serializes handling per external event id without keeping
// a map entry for every id ever seen.
type eventLocks struct {
	mu    sync.Mutex
	locks map[string]*eventLock
}

type eventLock struct {
	mu   sync.Mutex
	refs int
}

func (l *eventLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*eventLock)
	}
	el, ok := l.locks[id]
	if !ok {
		el = &eventLock{}
		l.locks[id] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()
	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
