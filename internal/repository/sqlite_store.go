package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"moldflow/backend/pkg/models"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStore is a single-file implementation of Store for local development
// and tests. All access goes through one connection, so SQLite's writer lock
// never contends with itself.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path and migrates it. Use
// ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetCompanyByDomain looks a company up by e-mail domain.
func (s *SQLiteStore) GetCompanyByDomain(ctx context.Context, domain string) (*models.Company, error) {
	var d companyDAO
	err := s.db.GetContext(ctx, &d,
		"SELECT id, name, domain, kind, created_at, updated_at FROM companies WHERE domain = ?",
		strings.ToLower(domain))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return d.model()
}

// GetCompany retrieves a company by ID.
func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var d companyDAO
	err := s.db.GetContext(ctx, &d,
		"SELECT id, name, domain, kind, created_at, updated_at FROM companies WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return d.model()
}

// CreateCompany inserts a company.
func (s *SQLiteStore) CreateCompany(ctx context.Context, c *models.Company) error {
	ensureID(&c.ID)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.Domain = strings.ToLower(c.Domain)
	d := companyDAO{
		ID: c.ID, Name: c.Name, Domain: c.Domain, Kind: string(c.Kind),
		CreatedAt: formatTime(c.CreatedAt), UpdatedAt: formatTime(c.UpdatedAt),
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO companies (id, name, domain, kind, created_at, updated_at)
		VALUES (:id, :name, :domain, :kind, :created_at, :updated_at)`, d)
	if err != nil {
		return fmt.Errorf("failed to create company: %w", err)
	}
	return nil
}

// ListCompanies returns all companies ordered by name.
func (s *SQLiteStore) ListCompanies(ctx context.Context) ([]*models.Company, error) {
	var rows []companyDAO
	if err := s.db.SelectContext(ctx, &rows,
		"SELECT id, name, domain, kind, created_at, updated_at FROM companies ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	out := make([]*models.Company, 0, len(rows))
	for _, d := range rows {
		c, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

const insertRecordSQL = `INSERT INTO workflow_records
	(id, type, mold_id, mold_spec_id, template_id, version, status, is_current_deployed, company_id,
	 fields, decisions, stamps, items, created_by, created_at, updated_at)
	VALUES (:id, :type, :mold_id, :mold_spec_id, :template_id, :version, :status, :is_current_deployed, :company_id,
	 :fields, :decisions, :stamps, :items, :created_by, :created_at, :updated_at)`

const insertEventSQL = `INSERT INTO transition_events
	(id, workflow_type, record_id, action, from_status, to_status, actor_id, actor_role, payload_digest, reason, occurred_at)
	VALUES (:id, :workflow_type, :record_id, :action, :from_status, :to_status, :actor_id, :actor_role,
	 :payload_digest, :reason, :occurred_at)`

func sqliteInsertRecord(ctx context.Context, tx *sqlx.Tx, rec *models.Record) error {
	ensureID(&rec.ID)
	d, err := newRecordDAO(rec)
	if err != nil {
		return err
	}
	if _, err := tx.NamedExecContext(ctx, insertRecordSQL, d); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return nil
}

func sqliteInsertEvent(ctx context.Context, tx *sqlx.Tx, ev *models.TransitionEvent) error {
	ensureID(&ev.ID)
	if _, err := tx.NamedExecContext(ctx, insertEventSQL, newEventDAO(ev)); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// CreateRecord inserts rec and its create event in one transaction.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *models.Record, ev *models.TransitionEvent) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := sqliteInsertRecord(ctx, tx, rec); err != nil {
			return err
		}
		ev.RecordID = rec.ID
		return sqliteInsertEvent(ctx, tx, ev)
	})
}

const selectRecordSQL = `SELECT id, type, mold_id, mold_spec_id, template_id, version, status, is_current_deployed,
	company_id, fields, decisions, stamps, items, created_by, created_at, updated_at FROM workflow_records`

// GetRecord retrieves a record by its ID.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	var d recordDAO
	err := s.db.GetContext(ctx, &d, selectRecordSQL+" WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return d.model()
}

// ListRecords returns records matching q, newest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, q models.RecordQuery) ([]*models.Record, error) {
	var where []string
	var args []any
	if q.Type != "" {
		where, args = append(where, "type = ?"), append(args, string(q.Type))
	}
	if q.Status != "" {
		where, args = append(where, "status = ?"), append(args, string(q.Status))
	}
	if q.MoldID != "" {
		where, args = append(where, "mold_id = ?"), append(args, q.MoldID)
	}
	if q.TemplateID != "" {
		where, args = append(where, "template_id = ?"), append(args, q.TemplateID)
	}
	query := selectRecordSQL
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, version DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(q.Limit), max(q.Offset, 0))

	var rows []recordDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	out := make([]*models.Record, 0, len(rows))
	for _, d := range rows {
		rec, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// UpdateDraft overwrites the editable content of a record.
func (s *SQLiteStore) UpdateDraft(ctx context.Context, rec *models.Record) error {
	d, err := newRecordDAO(rec)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx,
		`UPDATE workflow_records SET mold_spec_id = :mold_spec_id, fields = :fields, items = :items,
		updated_at = :updated_at WHERE id = :id`, d)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyTransition persists an applied transition atomically.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, t Transition) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		rec := t.Record
		d, err := newRecordDAO(rec)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE workflow_records SET status = ?, is_current_deployed = ?, fields = ?, decisions = ?,
			stamps = ?, items = ?, updated_at = ? WHERE id = ? AND status = ? AND updated_at = ?`,
			d.Status, d.IsCurrentDeployed, d.Fields, d.Decisions, d.Stamps, d.Items, d.UpdatedAt,
			d.ID, string(t.Event.FromStatus), formatTime(t.Expected),
		)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM workflow_records WHERE id = ?)", rec.ID); err != nil {
				return fmt.Errorf("failed to look up record: %w", err)
			}
			if !exists {
				return ErrNotFound
			}
			return ErrConflict
		}

		if rec.IsCurrentDeployed && rec.TemplateID != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE workflow_records SET is_current_deployed = 0, updated_at = ?
				WHERE type = ? AND template_id = ? AND id <> ? AND is_current_deployed = 1`,
				formatTime(rec.UpdatedAt), string(rec.Type), rec.TemplateID, rec.ID,
			); err != nil {
				return fmt.Errorf("failed to clear deployed versions: %w", err)
			}
		}
		if err := sqliteInsertEvent(ctx, tx, t.Event); err != nil {
			return err
		}

		if t.Spawn == nil {
			return nil
		}
		if err := tx.GetContext(ctx, &t.Spawn.Version,
			"SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_records WHERE type = ? AND template_id = ?",
			string(t.Spawn.Type), t.Spawn.TemplateID,
		); err != nil {
			return fmt.Errorf("failed to allocate version: %w", err)
		}
		if err := sqliteInsertRecord(ctx, tx, t.Spawn); err != nil {
			return err
		}
		if t.SpawnEvent != nil {
			t.SpawnEvent.RecordID = t.Spawn.ID
			t.SpawnEvent.ToStatus = t.Spawn.Status
			return sqliteInsertEvent(ctx, tx, t.SpawnEvent)
		}
		return nil
	})
}

const selectEventSQL = `SELECT id, workflow_type, record_id, action, from_status, to_status, actor_id, actor_role,
	payload_digest, reason, occurred_at, delivered_at FROM transition_events`

func (s *SQLiteStore) selectEvents(ctx context.Context, query string, args ...any) ([]*models.TransitionEvent, error) {
	var rows []eventDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	out := make([]*models.TransitionEvent, 0, len(rows))
	for _, d := range rows {
		ev, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// LastEvent returns the newest event of a record.
func (s *SQLiteStore) LastEvent(ctx context.Context, recordID string) (*models.TransitionEvent, error) {
	var d eventDAO
	err := s.db.GetContext(ctx, &d, selectEventSQL+" WHERE record_id = ? ORDER BY seq DESC LIMIT 1", recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last event: %w", err)
	}
	return d.model()
}

// ListEvents returns a record's history in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, recordID string) ([]*models.TransitionEvent, error) {
	return s.selectEvents(ctx, selectEventSQL+" WHERE record_id = ? ORDER BY seq", recordID)
}

// PendingEvents returns undelivered events, oldest first.
func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]*models.TransitionEvent, error) {
	return s.selectEvents(ctx, selectEventSQL+" WHERE delivered_at IS NULL ORDER BY seq LIMIT ?", clampLimit(limit))
}

// MarkEventsDelivered stamps delivered_at on the given events.
func (s *SQLiteStore) MarkEventsDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		"UPDATE transition_events SET delivered_at = ? WHERE delivered_at IS NULL AND id IN (?)",
		formatTime(at), ids)
	if err != nil {
		return fmt.Errorf("failed to build delivery update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to mark events delivered: %w", err)
	}
	return nil
}

// CreateNotifications inserts ns, skipping duplicates.
func (s *SQLiteStore) CreateNotifications(ctx context.Context, ns []*models.Notification) ([]*models.Notification, error) {
	var inserted []*models.Notification
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		inserted = inserted[:0]
		for _, n := range ns {
			ensureID(&n.ID)
			res, err := tx.NamedExecContext(ctx,
				`INSERT INTO notifications
				(id, event_id, record_id, workflow_type, recipient_role, recipient_id, company_id, title, message, created_at)
				VALUES (:id, :event_id, :record_id, :workflow_type, :recipient_role, :recipient_id, :company_id, :title, :message, :created_at)
				ON CONFLICT (event_id, recipient_role, recipient_id) DO NOTHING`,
				newNotificationDAO(n))
			if err != nil {
				return fmt.Errorf("failed to insert notification: %w", err)
			}
			if affected, _ := res.RowsAffected(); affected == 1 {
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

// sqliteAddressedTo matches rows for a role, company and recipient ID, bound
// in that order by addressedArgs.
const sqliteAddressedTo = `((? <> '' AND recipient_role = ? AND (company_id = '' OR company_id = ?))
	OR (? <> '' AND recipient_id = ?))`

func addressedArgs(role models.Role, companyID, actorID string) []any {
	return []any{string(role), string(role), companyID, actorID, actorID}
}

// ListNotifications returns the feed addressed to an actor's role or ID.
// Role rows scoped to a company are visible to members of that company only.
func (s *SQLiteStore) ListNotifications(ctx context.Context, q models.NotificationQuery) ([]*models.Notification, error) {
	query := `SELECT id, event_id, record_id, workflow_type, recipient_role, recipient_id, company_id, title, message,
		created_at, read_at FROM notifications WHERE ` + sqliteAddressedTo
	if q.UnreadOnly {
		query += " AND read_at IS NULL"
	}
	query += " ORDER BY created_at DESC LIMIT ?"

	args := append(addressedArgs(q.Role, q.CompanyID, q.ActorID), clampLimit(q.Limit))
	var rows []notificationDAO
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	out := make([]*models.Notification, 0, len(rows))
	for _, d := range rows {
		n, err := d.model()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MarkNotificationRead marks a notification visible to actor as read.
func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string, actor models.Actor, at time.Time) error {
	args := append([]any{formatTime(at), id}, addressedArgs(actor.Role, actor.CompanyID, actor.ID)...)
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ? AND `+sqliteAddressedTo, args...)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
