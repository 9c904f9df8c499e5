package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"moldflow/backend/internal/logging"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/services"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

// Store is the persistence the dispatcher needs.
type Store interface {
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	CreateNotifications(ctx context.Context, ns []*models.Notification) ([]*models.Notification, error)
}

// Dispatcher fans a transition event out to its recipients.
type Dispatcher struct {
	store   Store
	machine *workflow.Machine
	hub     *Hub
	webhook services.Webhook
	logger  *logging.Logger
	now     func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHub pushes new notifications to live websocket clients.
func WithHub(h *Hub) DispatcherOption {
	return func(d *Dispatcher) { d.hub = h }
}

// WithWebhook posts every dispatched event to an external endpoint.
func WithWebhook(w services.Webhook) DispatcherOption {
	return func(d *Dispatcher) { d.webhook = w }
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(store Store, machine *workflow.Machine, logger *logging.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		machine: machine,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Recipients addresses the owners of the stage the record entered and, when
// someone else acted, the record's creator. Owner roles that owner scopes
// are limited to the owning company; owner may be nil.
func (d *Dispatcher) Recipients(ev *models.TransitionEvent, rec *models.Record, owner *models.Company) []*models.Notification {
	title, msg := describe(ev, rec)
	base := models.Notification{
		EventID:      ev.ID,
		RecordID:     ev.RecordID,
		WorkflowType: ev.WorkflowType,
		Title:        title,
		Message:      msg,
		CreatedAt:    d.now(),
	}

	var ns []*models.Notification
	if def, ok := d.machine.Definition(ev.WorkflowType); ok {
		if st, ok := def.Stage(ev.ToStatus); ok {
			for _, role := range st.Owners {
				n := base
				n.RecipientRole = role
				if owner != nil && owner.Scopes(role) {
					n.CompanyID = owner.ID
				}
				ns = append(ns, &n)
			}
		}
	}
	if rec.CreatedBy != "" && rec.CreatedBy != ev.ActorID {
		n := base
		n.RecipientID = rec.CreatedBy
		ns = append(ns, &n)
	}
	return ns
}

func describe(ev *models.TransitionEvent, rec *models.Record) (string, string) {
	title := fmt.Sprintf("[%s] %s", ev.WorkflowType, ev.ToStatus)
	subject := rec.MoldID
	if rec.Version > 1 {
		subject = fmt.Sprintf("%s v%d", rec.MoldID, rec.Version)
	}
	if ev.Action == models.ActionCreate {
		return title, fmt.Sprintf("%s registered by %s", subject, ev.ActorID)
	}
	msg := fmt.Sprintf("%s: %s -> %s by %s (%s)", subject, ev.FromStatus, ev.ToStatus, ev.ActorID, ev.Action)
	if ev.Reason != "" {
		msg += ": " + ev.Reason
	}
	return title, msg
}

// Dispatch stores the event's notifications and delivers the new ones. Only
// persistence errors are returned; live push and webhook failures are logged.
// Repeated dispatch of the same event delivers nothing twice.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *models.TransitionEvent) ([]*models.Notification, error) {
	rec, err := d.store.GetRecord(ctx, ev.RecordID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s: %w", ev.RecordID, err)
	}

	var owner *models.Company
	if rec.CompanyID != "" {
		owner, err = d.store.GetCompany(ctx, rec.CompanyID)
		if errors.Is(err, repository.ErrNotFound) {
			owner = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to load company %s: %w", rec.CompanyID, err)
		}
	}

	ns, err := d.store.CreateNotifications(ctx, d.Recipients(ev, rec, owner))
	if err != nil {
		return nil, fmt.Errorf("failed to store notifications: %w", err)
	}
	if len(ns) == 0 {
		return ns, nil
	}

	if d.hub != nil {
		d.hub.Publish(ns)
	}
	if d.webhook != nil {
		if err := d.webhook.Deliver(ctx, ev, ns); err != nil {
			d.logger.Warn("Webhook delivery failed", "event_id", ev.ID, "error", err)
		}
	}
	return ns, nil
}

// Handle is the watermill handler for TopicTransitions.
func (d *Dispatcher) Handle(msg *message.Message) error {
	var ev models.TransitionEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		d.logger.Error("Dropping malformed event message", "message_uuid", msg.UUID, "error", err)
		return nil
	}
	ns, err := d.Dispatch(msg.Context(), &ev)
	if err != nil {
		return err
	}
	d.logger.Debug("Dispatched notifications", "event_id", ev.ID, "count", len(ns))
	return nil
}

// swallow acknowledges messages whose handling failed after all retries so
// the subscriber does not redeliver them forever.
func (d *Dispatcher) swallow(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			d.logger.Error("Notification dispatch failed", "message_uuid", msg.UUID, "error", err)
			return nil, nil
		}
		return out, nil
	}
}

// NewPubSub creates the in-process transport between relay and dispatcher.
// Publish returns only after the dispatcher acknowledged the message, so the
// relay never marks an event delivered before its notifications exist.
func NewPubSub(logger *logging.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(logger.Logger),
	)
}

// NewRouter wires d to sub with bounded retries.
func NewRouter(sub message.Subscriber, d *Dispatcher, maxRetries int, logger *logging.Logger) (*message.Router, error) {
	wlog := watermill.NewSlogLogger(logger.Logger)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wlog)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	router.AddMiddleware(
		d.swallow,
		middleware.Retry{
			MaxRetries:      maxRetries,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
			Logger:          wlog,
		}.Middleware,
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler("notification_dispatcher", TopicTransitions, sub, d.Handle)
	return router, nil
}
