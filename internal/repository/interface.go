package repository

import (
	"context"
	"errors"
	"time"

	"moldflow/backend/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a record changed after it was read.
var ErrConflict = errors.New("record changed since it was read")

// CompanyStore resolves organizations from e-mail domains.
type CompanyStore interface {
	// GetCompanyByDomain returns ErrNotFound for unknown domains.
	GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error)
	// GetCompany returns ErrNotFound for unknown IDs.
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	// CreateCompany inserts c and assigns its ID when empty.
	CreateCompany(ctx context.Context, c *models.Company) error
	ListCompanies(ctx context.Context) ([]*models.Company, error)
}

// Transition is everything a single applied transition writes. It is
// persisted atomically.
type Transition struct {
	// Record is the updated record.
	Record *models.Record
	// Event is appended to the record history and the outbox. Its FromStatus
	// must still be the stored status.
	Event *models.TransitionEvent
	// Expected is the UpdatedAt of the record the transition was computed
	// from. The write fails with ErrConflict when the stored value differs.
	Expected time.Time
	// Spawn, when set, is a new version of Record's template. Its version is
	// assigned inside the transaction as the template's highest version + 1.
	Spawn      *models.Record
	SpawnEvent *models.TransitionEvent
}

// RecordStore persists workflow records.
type RecordStore interface {
	// CreateRecord inserts rec together with its create event.
	CreateRecord(ctx context.Context, rec *models.Record, ev *models.TransitionEvent) error
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	ListRecords(ctx context.Context, q models.RecordQuery) ([]*models.Record, error)
	// UpdateDraft overwrites the free-text fields and items of a record.
	UpdateDraft(ctx context.Context, rec *models.Record) error
	// ApplyTransition writes t in one transaction. A deploying record clears
	// the deployed flag on every other version of its template. It returns
	// ErrConflict when the stored record no longer matches t.Expected.
	ApplyTransition(ctx context.Context, t Transition) error
}

// EventStore reads the transition history and drives the outbox.
type EventStore interface {
	// LastEvent returns the newest event of a record or ErrNotFound.
	LastEvent(ctx context.Context, recordID string) (*models.TransitionEvent, error)
	ListEvents(ctx context.Context, recordID string) ([]*models.TransitionEvent, error)
	// PendingEvents returns undelivered events, oldest first.
	PendingEvents(ctx context.Context, limit int) ([]*models.TransitionEvent, error)
	MarkEventsDelivered(ctx context.Context, ids []string, at time.Time) error
}

// NotificationStore persists the notification feed.
type NotificationStore interface {
	// CreateNotifications inserts ns, skipping any that already exist for the
	// same event and recipient. It returns the rows actually inserted.
	CreateNotifications(ctx context.Context, ns []*models.Notification) ([]*models.Notification, error)
	ListNotifications(ctx context.Context, q models.NotificationQuery) ([]*models.Notification, error)
	// MarkNotificationRead marks id read when it is addressed to the actor's
	// role or ID, else returns ErrNotFound.
	MarkNotificationRead(ctx context.Context, id string, actor models.Actor, at time.Time) error
}

// Store is the full persistence surface of the service.
type Store interface {
	CompanyStore
	RecordStore
	EventStore
	NotificationStore
	Ping(ctx context.Context) error
	Close()
}
