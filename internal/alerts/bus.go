package alerts

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/notify"
	"github.com/marcus-qen/overseer/internal/risk"
)

// Bus persists notifications and broadcasts them to admin channels. The
// caller never blocks on channel delivery: broadcasts go through a bounded
// queue drained by a worker with per-message retry.
type Bus struct {
	store  *Store
	router *notify.Router
	bus    *events.Bus
	log    logr.Logger

	queue       chan notify.Message
	maxAttempts int
	retryDelay  time.Duration
	done        chan struct{}
}

// NewBus creates a notification bus. router and bus may be nil (store-only
// mode, used by tests).
func NewBus(store *Store, router *notify.Router, eventBus *events.Bus, log logr.Logger) *Bus {
	return &Bus{
		store:       store,
		router:      router,
		bus:         eventBus,
		log:         log,
		queue:       make(chan notify.Message, 256),
		maxAttempts: 3,
		retryDelay:  5 * time.Second,
		done:        make(chan struct{}),
	}
}

// Start launches the delivery worker. Call Stop to drain and exit.
func (b *Bus) Start(ctx context.Context) {
	go b.deliverLoop(ctx)
}

// Stop signals the delivery worker to exit after the in-flight message.
func (b *Bus) Stop() {
	close(b.done)
}

// Notify persists a notification, publishes it on the event bus, and queues
// channel broadcast. The store write is the only step that can fail.
func (b *Bus) Notify(ctx context.Context, n *Notification) (*Notification, error) {
	if err := b.store.Insert(ctx, n); err != nil {
		return nil, err
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Subject:  events.NotificationCreated,
			ID:       n.ID,
			AgentID:  n.AgentID,
			TenantID: n.TenantID,
			Summary:  n.Title,
			Detail:   n,
		})
	}

	if b.router != nil {
		msg := notify.Message{
			AgentID:   n.AgentID,
			TenantID:  n.TenantID,
			Level:     n.RiskLevel,
			Title:     n.Title,
			Body:      n.Description,
			Timestamp: n.CreatedAt,
		}
		select {
		case b.queue <- msg:
		default:
			b.log.Info("notification broadcast queue full, dropping channel delivery",
				"id", n.ID, "level", n.RiskLevel)
		}
	}

	return n, nil
}

// ListPending returns pending notifications, newest first.
func (b *Bus) ListPending(tenantID string, limit int) []*Notification {
	return b.store.Pending(tenantID, limit)
}

// Respond records an admin decision on a notification.
func (b *Bus) Respond(ctx context.Context, id, adminID, response string, resolve bool, resolution string) (*Notification, error) {
	return b.store.Respond(ctx, id, adminID, response, resolve, resolution)
}

func (b *Bus) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg := <-b.queue:
			b.deliver(ctx, msg)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg notify.Message) {
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		errsList := b.router.Notify(ctx, msg)
		if len(errsList) == 0 {
			return
		}
		if attempt < b.maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-time.After(b.retryDelay * time.Duration(attempt)):
			}
		}
	}
	b.log.Info("notification channel delivery exhausted retries",
		"agent", msg.AgentID, "level", msg.Level)
}

// NotifyRisk is a convenience for raising a notification from a risk
// assessment.
func (b *Bus) NotifyRisk(ctx context.Context, tenantID, agentID, activityID, title, description string, a risk.Assessment) (*Notification, error) {
	return b.Notify(ctx, &Notification{
		TenantID:     tenantID,
		AgentID:      agentID,
		ActivityID:   activityID,
		RiskLevel:    a.Level,
		Title:        title,
		Description:  description,
		Recommended:  a.Recommended,
		SystemAction: a.SystemAction,
	})
}
