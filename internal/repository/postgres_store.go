package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"moldflow/backend/pkg/models"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// GetCompanyByDomain looks a company up by e-mail domain.
func (s *PostgresStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	var c models.Company
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, kind, created_at, updated_at FROM companies WHERE domain = $1",
		strings.ToLower(domain),
	).Scan(&c.ID, &c.Name, &c.Domain, &c.Kind, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &c, nil
}

// GetCompany retrieves a company by ID.
func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var c models.Company
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, kind, created_at, updated_at FROM companies WHERE id::text = $1", id,
	).Scan(&c.ID, &c.Name, &c.Domain, &c.Kind, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &c, nil
}

// CreateCompany inserts a company.
func (s *PostgresStore) CreateCompany(ctx context.Context, c *models.Company) error {
	ensureID(&c.ID)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Domain = strings.ToLower(c.Domain)
	_, err := s.db.Exec(ctx,
		"INSERT INTO companies (id, name, domain, kind, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		c.ID, c.Name, c.Domain, c.Kind, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}

// ListCompanies returns all companies ordered by name.
func (s *PostgresStore) ListCompanies(ctx context.Context) ([]*models.Company, error) {
	rows, err := s.db.Query(ctx, "SELECT id, name, domain, kind, created_at, updated_at FROM companies ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []*models.Company
	for rows.Next() {
		var c models.Company
		if err := rows.Scan(&c.ID, &c.Name, &c.Domain, &c.Kind, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		companies = append(companies, &c)
	}
	return companies, rows.Err()
}

const recordColumns = `id, type, mold_id, mold_spec_id, template_id, version, status, is_current_deployed,
	company_id, fields, decisions, stamps, items, created_by, created_at, updated_at`

func scanRecord(row pgx.Row) (*models.Record, error) {
	var rec models.Record
	var docs recordDocs
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.MoldID, &rec.MoldSpecID, &rec.TemplateID, &rec.Version, &rec.Status,
		&rec.IsCurrentDeployed, &rec.CompanyID, &docs.Fields, &docs.Decisions, &docs.Stamps, &docs.Items,
		&rec.CreatedBy, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeDocs(&rec, docs); err != nil {
		return nil, err
	}
	rec.CreatedAt = utc(rec.CreatedAt)
	rec.UpdatedAt = utc(rec.UpdatedAt)
	return &rec, nil
}

// CreateRecord inserts rec and its create event in one transaction.
func (s *PostgresStore) CreateRecord(ctx context.Context, rec *models.Record, ev *models.TransitionEvent) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
		ev.RecordID = rec.ID
		return insertEvent(ctx, tx, ev)
	})
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec *models.Record) error {
	ensureID(&rec.ID)
	docs, err := encodeDocs(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO workflow_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.Type, rec.MoldID, rec.MoldSpecID, rec.TemplateID, rec.Version, rec.Status,
		rec.IsCurrentDeployed, rec.CompanyID, docs.Fields, docs.Decisions, docs.Stamps, docs.Items,
		rec.CreatedBy, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *models.TransitionEvent) error {
	ensureID(&ev.ID)
	_, err := tx.Exec(ctx,
		`INSERT INTO transition_events
		(id, workflow_type, record_id, action, from_status, to_status, actor_id, actor_role, payload_digest, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.WorkflowType, ev.RecordID, ev.Action, ev.FromStatus, ev.ToStatus,
		ev.ActorID, ev.ActorRole, ev.PayloadDigest, ev.Reason, ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by its ID.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, "SELECT "+recordColumns+" FROM workflow_records WHERE id::text = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// ListRecords returns records matching q, newest first.
func (s *PostgresStore) ListRecords(ctx context.Context, q models.RecordQuery) ([]*models.Record, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Type != "" {
		add("type = $%d", q.Type)
	}
	if q.Status != "" {
		add("status = $%d", q.Status)
	}
	if q.MoldID != "" {
		add("mold_id = $%d", q.MoldID)
	}
	if q.TemplateID != "" {
		add("template_id = $%d", q.TemplateID)
	}

	query := "SELECT " + recordColumns + " FROM workflow_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(q.Limit), max(q.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, version DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpdateDraft overwrites the editable content of a record.
func (s *PostgresStore) UpdateDraft(ctx context.Context, rec *models.Record) error {
	docs, err := encodeDocs(rec)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_records SET mold_spec_id = $1, fields = $2, items = $3, updated_at = $4 WHERE id = $5`,
		rec.MoldSpecID, docs.Fields, docs.Items, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyTransition persists an applied transition atomically.
func (s *PostgresStore) ApplyTransition(ctx context.Context, t Transition) error {
	rec := t.Record
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		docs, err := encodeDocs(rec)
		if err != nil {
			return err
		}
		// a concurrent writer blocks here and re-evaluates the WHERE clause
		// against the committed row
		tag, err := tx.Exec(ctx,
			`UPDATE workflow_records SET status = $1, is_current_deployed = $2, fields = $3, decisions = $4,
			stamps = $5, items = $6, updated_at = $7 WHERE id = $8 AND status = $9 AND updated_at = $10`,
			rec.Status, rec.IsCurrentDeployed, docs.Fields, docs.Decisions, docs.Stamps, docs.Items,
			rec.UpdatedAt, rec.ID, t.Event.FromStatus, t.Expected,
		)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM workflow_records WHERE id = $1)", rec.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to look up record: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}

		if rec.IsCurrentDeployed && rec.TemplateID != "" {
			if _, err := tx.Exec(ctx,
				`UPDATE workflow_records SET is_current_deployed = FALSE, updated_at = $1
				WHERE type = $2 AND template_id = $3 AND id <> $4 AND is_current_deployed`,
				rec.UpdatedAt, rec.Type, rec.TemplateID, rec.ID,
			); err != nil {
				return fmt.Errorf("failed to clear deployed versions: %w", err)
			}
		}
		if err := insertEvent(ctx, tx, t.Event); err != nil {
			return err
		}

		if t.Spawn == nil {
			return nil
		}
		if err := tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_records WHERE type = $1 AND template_id = $2",
			t.Spawn.Type, t.Spawn.TemplateID,
		).Scan(&t.Spawn.Version); err != nil {
			return fmt.Errorf("failed to allocate version: %w", err)
		}
		if err := insertRecord(ctx, tx, t.Spawn); err != nil {
			return err
		}
		if t.SpawnEvent != nil {
			t.SpawnEvent.RecordID = t.Spawn.ID
			t.SpawnEvent.ToStatus = t.Spawn.Status
			return insertEvent(ctx, tx, t.SpawnEvent)
		}
		return nil
	})
}

const eventColumns = `id, workflow_type, record_id, action, from_status, to_status, actor_id, actor_role,
	payload_digest, reason, occurred_at, delivered_at`

func scanEvent(row pgx.Row) (*models.TransitionEvent, error) {
	var ev models.TransitionEvent
	err := row.Scan(&ev.ID, &ev.WorkflowType, &ev.RecordID, &ev.Action, &ev.FromStatus, &ev.ToStatus,
		&ev.ActorID, &ev.ActorRole, &ev.PayloadDigest, &ev.Reason, &ev.OccurredAt, &ev.DeliveredAt)
	if err != nil {
		return nil, err
	}
	ev.OccurredAt = utc(ev.OccurredAt)
	ev.DeliveredAt = utcPtr(ev.DeliveredAt)
	return &ev, nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*models.TransitionEvent, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.TransitionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastEvent returns the newest event of a record.
func (s *PostgresStore) LastEvent(ctx context.Context, recordID string) (*models.TransitionEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM transition_events WHERE record_id::text = $1 ORDER BY seq DESC LIMIT 1", recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last event: %w", err)
	}
	return ev, nil
}

// ListEvents returns a record's history in order.
func (s *PostgresStore) ListEvents(ctx context.Context, recordID string) ([]*models.TransitionEvent, error) {
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM transition_events WHERE record_id::text = $1 ORDER BY seq", recordID)
}

// PendingEvents returns undelivered events, oldest first.
func (s *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]*models.TransitionEvent, error) {
	return s.queryEvents(ctx,
		"SELECT "+eventColumns+" FROM transition_events WHERE delivered_at IS NULL ORDER BY seq LIMIT $1", clampLimit(limit))
}

// MarkEventsDelivered stamps delivered_at on the given events.
func (s *PostgresStore) MarkEventsDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		"UPDATE transition_events SET delivered_at = $1 WHERE id::text = ANY($2) AND delivered_at IS NULL", at, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events delivered: %w", err)
	}
	return nil
}

// CreateNotifications inserts ns, skipping duplicates.
func (s *PostgresStore) CreateNotifications(ctx context.Context, ns []*models.Notification) ([]*models.Notification, error) {
	var inserted []*models.Notification
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		inserted = inserted[:0]
		for _, n := range ns {
			ensureID(&n.ID)
			tag, err := tx.Exec(ctx,
				`INSERT INTO notifications
				(id, event_id, record_id, workflow_type, recipient_role, recipient_id, company_id, title, message, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (event_id, recipient_role, recipient_id) DO NOTHING`,
				n.ID, n.EventID, n.RecordID, n.WorkflowType, n.RecipientRole, n.RecipientID, n.CompanyID,
				n.Title, n.Message, n.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert notification: %w", err)
			}
			if tag.RowsAffected() == 1 {
				inserted = append(inserted, n)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inserted, nil
}

// addressedTo matches rows for the role in $1, the company in $2 and the
// recipient ID in $3.
const addressedTo = `(($1 <> '' AND recipient_role = $1 AND (company_id = '' OR company_id = $2))
	OR ($3 <> '' AND recipient_id = $3))`

// ListNotifications returns the feed addressed to an actor's role or ID.
// Role rows scoped to a company are visible to members of that company only.
func (s *PostgresStore) ListNotifications(ctx context.Context, q models.NotificationQuery) ([]*models.Notification, error) {
	query := `SELECT id, event_id, record_id, workflow_type, recipient_role, recipient_id, company_id, title, message,
		created_at, read_at FROM notifications WHERE ` + addressedTo
	if q.UnreadOnly {
		query += " AND read_at IS NULL"
	}
	query += " ORDER BY created_at DESC LIMIT $4"

	rows, err := s.db.Query(ctx, query, string(q.Role), q.CompanyID, q.ActorID, clampLimit(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.EventID, &n.RecordID, &n.WorkflowType, &n.RecipientRole, &n.RecipientID, &n.CompanyID,
			&n.Title, &n.Message, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		n.CreatedAt = utc(n.CreatedAt)
		n.ReadAt = utcPtr(n.ReadAt)
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks a notification visible to actor as read.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string, actor models.Actor, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, $4) WHERE id::text = $5 AND `+addressedTo,
		string(actor.Role), actor.CompanyID, actor.ID, at, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
