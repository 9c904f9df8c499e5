// Package notify turns committed transition events into notifications.
//
// Events are written to the outbox in the same transaction as the record
// change. A Relay drains the outbox onto a watermill topic and a Dispatcher
// subscribed to that topic persists the feed entries, pushes them to live
// websocket clients and calls the optional webhook. Nothing here can fail a
// transition.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/robfig/cron/v3"

	"moldflow/backend/internal/logging"
	"moldflow/backend/pkg/models"
)

// TopicTransitions carries one message per committed transition event.
const TopicTransitions = "workflow.transitions"

// Outbox is the event store view the relay needs.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]*models.TransitionEvent, error)
	MarkEventsDelivered(ctx context.Context, ids []string, at time.Time) error
}

// Relay publishes undelivered outbox events.
type Relay struct {
	outbox    Outbox
	publisher message.Publisher
	batch     int
	logger    *logging.Logger
	now       func() time.Time
}

// NewRelay creates a new Relay.
func NewRelay(outbox Outbox, publisher message.Publisher, batch int, logger *logging.Logger) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		batch:     batch,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Flush publishes one batch of pending events and marks the published ones
// delivered. Publishing stops at the first failure; the rest stay pending for
// the next run. The publisher must block until the message was handled, or
// an event can be marked delivered and then lost with the process. An event
// in flight when ctx ends stays pending and is published again later.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.outbox.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(events))
	var publishErr error
	for _, ev := range events {
		msg, err := eventMessage(ev)
		if err != nil {
			publishErr = err
			break
		}
		if err := r.publisher.Publish(TopicTransitions, msg); err != nil {
			publishErr = fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
			break
		}
		if ctx.Err() != nil {
			publishErr = ctx.Err()
			break
		}
		ids = append(ids, ev.ID)
	}

	if len(ids) > 0 {
		if err := r.outbox.MarkEventsDelivered(context.WithoutCancel(ctx), ids, r.now()); err != nil {
			return 0, fmt.Errorf("failed to mark events delivered: %w", err)
		}
	}
	return len(ids), publishErr
}

func eventMessage(ev *models.TransitionEvent) (*message.Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
	}
	msg := message.NewMessage(ev.ID, payload)
	msg.Metadata.Set("workflow_type", string(ev.WorkflowType))
	msg.Metadata.Set("record_id", ev.RecordID)
	msg.Metadata.Set("action", string(ev.Action))
	return msg, nil
}

// Run flushes the outbox on schedule until ctx is done. Overlapping runs are
// skipped.
func (r *Relay) Run(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() { r.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid relay schedule %q: %w", schedule, err)
	}

	r.logger.Info("Outbox relay started", "schedule", schedule, "batch", r.batch)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("Outbox relay stopped")
	return nil
}

func (r *Relay) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := r.Flush(ctx)
	if err != nil {
		r.logger.Error("Outbox relay failed", "published", n, "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("Outbox relay published events", "count", n)
	}
}
