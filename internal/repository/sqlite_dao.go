package repository

import (
	"database/sql"
	"fmt"
	"time"

	"moldflow/backend/pkg/models"
)

// sqliteTimeLayout is fixed width so TEXT timestamps sort chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type companyDAO struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Domain    string `db:"domain"`
	Kind      string `db:"kind"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (d companyDAO) model() (*models.Company, error) {
	c := &models.Company{ID: d.ID, Name: d.Name, Domain: d.Domain, Kind: models.CompanyKind(d.Kind)}
	var err error
	if c.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

type recordDAO struct {
	ID                string `db:"id"`
	Type              string `db:"type"`
	MoldID            string `db:"mold_id"`
	MoldSpecID        string `db:"mold_spec_id"`
	TemplateID        string `db:"template_id"`
	Version           int    `db:"version"`
	Status            string `db:"status"`
	IsCurrentDeployed bool   `db:"is_current_deployed"`
	CompanyID         string `db:"company_id"`
	Fields            string `db:"fields"`
	Decisions         string `db:"decisions"`
	Stamps            string `db:"stamps"`
	Items             string `db:"items"`
	CreatedBy         string `db:"created_by"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
}

func newRecordDAO(rec *models.Record) (*recordDAO, error) {
	docs, err := encodeDocs(rec)
	if err != nil {
		return nil, err
	}
	return &recordDAO{
		ID:                rec.ID,
		Type:              string(rec.Type),
		MoldID:            rec.MoldID,
		MoldSpecID:        rec.MoldSpecID,
		TemplateID:        rec.TemplateID,
		Version:           rec.Version,
		Status:            string(rec.Status),
		IsCurrentDeployed: rec.IsCurrentDeployed,
		CompanyID:         rec.CompanyID,
		Fields:            string(docs.Fields),
		Decisions:         string(docs.Decisions),
		Stamps:            string(docs.Stamps),
		Items:             string(docs.Items),
		CreatedBy:         rec.CreatedBy,
		CreatedAt:         formatTime(rec.CreatedAt),
		UpdatedAt:         formatTime(rec.UpdatedAt),
	}, nil
}

func (d recordDAO) model() (*models.Record, error) {
	rec := &models.Record{
		ID:                d.ID,
		Type:              models.WorkflowType(d.Type),
		MoldID:            d.MoldID,
		MoldSpecID:        d.MoldSpecID,
		TemplateID:        d.TemplateID,
		Version:           d.Version,
		Status:            models.Status(d.Status),
		IsCurrentDeployed: d.IsCurrentDeployed,
		CompanyID:         d.CompanyID,
		CreatedBy:         d.CreatedBy,
	}
	err := decodeDocs(rec, recordDocs{
		Fields:    []byte(d.Fields),
		Decisions: []byte(d.Decisions),
		Stamps:    []byte(d.Stamps),
		Items:     []byte(d.Items),
	})
	if err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(d.UpdatedAt); err != nil {
		return nil, err
	}
	return rec, nil
}

type eventDAO struct {
	ID            string         `db:"id"`
	WorkflowType  string         `db:"workflow_type"`
	RecordID      string         `db:"record_id"`
	Action        string         `db:"action"`
	FromStatus    string         `db:"from_status"`
	ToStatus      string         `db:"to_status"`
	ActorID       string         `db:"actor_id"`
	ActorRole     string         `db:"actor_role"`
	PayloadDigest string         `db:"payload_digest"`
	Reason        string         `db:"reason"`
	OccurredAt    string         `db:"occurred_at"`
	DeliveredAt   sql.NullString `db:"delivered_at"`
}

func newEventDAO(ev *models.TransitionEvent) *eventDAO {
	return &eventDAO{
		ID:            ev.ID,
		WorkflowType:  string(ev.WorkflowType),
		RecordID:      ev.RecordID,
		Action:        string(ev.Action),
		FromStatus:    string(ev.FromStatus),
		ToStatus:      string(ev.ToStatus),
		ActorID:       ev.ActorID,
		ActorRole:     string(ev.ActorRole),
		PayloadDigest: ev.PayloadDigest,
		Reason:        ev.Reason,
		OccurredAt:    formatTime(ev.OccurredAt),
		DeliveredAt:   formatNullTime(ev.DeliveredAt),
	}
}

func (d eventDAO) model() (*models.TransitionEvent, error) {
	ev := &models.TransitionEvent{
		ID:            d.ID,
		WorkflowType:  models.WorkflowType(d.WorkflowType),
		RecordID:      d.RecordID,
		Action:        models.Action(d.Action),
		FromStatus:    models.Status(d.FromStatus),
		ToStatus:      models.Status(d.ToStatus),
		ActorID:       d.ActorID,
		ActorRole:     models.Role(d.ActorRole),
		PayloadDigest: d.PayloadDigest,
		Reason:        d.Reason,
	}
	var err error
	if ev.OccurredAt, err = parseTime(d.OccurredAt); err != nil {
		return nil, err
	}
	if ev.DeliveredAt, err = parseNullTime(d.DeliveredAt); err != nil {
		return nil, err
	}
	return ev, nil
}

type notificationDAO struct {
	ID            string         `db:"id"`
	EventID       string         `db:"event_id"`
	RecordID      string         `db:"record_id"`
	WorkflowType  string         `db:"workflow_type"`
	RecipientRole string         `db:"recipient_role"`
	RecipientID   string         `db:"recipient_id"`
	CompanyID     string         `db:"company_id"`
	Title         string         `db:"title"`
	Message       string         `db:"message"`
	CreatedAt     string         `db:"created_at"`
	ReadAt        sql.NullString `db:"read_at"`
}

func newNotificationDAO(n *models.Notification) *notificationDAO {
	return &notificationDAO{
		ID:            n.ID,
		EventID:       n.EventID,
		RecordID:      n.RecordID,
		WorkflowType:  string(n.WorkflowType),
		RecipientRole: string(n.RecipientRole),
		RecipientID:   n.RecipientID,
		CompanyID:     n.CompanyID,
		Title:         n.Title,
		Message:       n.Message,
		CreatedAt:     formatTime(n.CreatedAt),
		ReadAt:        formatNullTime(n.ReadAt),
	}
}

func (d notificationDAO) model() (*models.Notification, error) {
	n := &models.Notification{
		ID:            d.ID,
		EventID:       d.EventID,
		RecordID:      d.RecordID,
		WorkflowType:  models.WorkflowType(d.WorkflowType),
		RecipientRole: models.Role(d.RecipientRole),
		RecipientID:   d.RecipientID,
		CompanyID:     d.CompanyID,
		Title:         d.Title,
		Message:       d.Message,
	}
	var err error
	if n.CreatedAt, err = parseTime(d.CreatedAt); err != nil {
		return nil, err
	}
	if n.ReadAt, err = parseNullTime(d.ReadAt); err != nil {
		return nil, err
	}
	return n, nil
}
