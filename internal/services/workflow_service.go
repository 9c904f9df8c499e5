package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"moldflow/backend/internal/auth"
	"moldflow/backend/internal/repository"
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

const meterName = "moldflow/backend/services"

// actionEdit names draft edits in authorization errors.
const actionEdit models.Action = "edit"

// Store is the persistence the workflow service needs.
type Store interface {
	repository.RecordStore
	repository.EventStore
	repository.NotificationStore
}

// WorkflowService orchestrates the role gate, the transition machine and the
// store. Side effects of a transition are published later from the outbox.
type WorkflowService struct {
	store       Store
	machine     *workflow.Machine
	gate        *auth.Gate
	validate    *validator.Validate
	now         func() time.Time
	transitions metric.Int64Counter
}

// Option configures a WorkflowService.
type Option func(*WorkflowService)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *WorkflowService) { s.now = now }
}

// WithMeter records metrics on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(s *WorkflowService) {
		if c, err := m.Int64Counter("workflow.transitions",
			metric.WithDescription("Applied workflow transitions"),
			metric.WithUnit("{transition}"),
		); err == nil {
			s.transitions = c
		}
	}
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(store Store, machine *workflow.Machine, gate *auth.Gate, opts ...Option) *WorkflowService {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	s := &WorkflowService{
		store:    store,
		machine:  machine,
		gate:     gate,
		validate: v,
		now:      func() time.Time { return time.Now() },
	}
	WithMeter(otel.Meter(meterName))(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Postgres keeps microseconds; truncating keeps stored and returned values equal.
func (s *WorkflowService) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Machine returns the transition machine.
func (s *WorkflowService) Machine() *workflow.Machine {
	return s.machine
}

// Gate returns the role gate.
func (s *WorkflowService) Gate() *auth.Gate {
	return s.gate
}

// RecordView is a record plus its position on the display stepper.
type RecordView struct {
	*models.Record
	Progress workflow.Progress `json:"progress"`
}

func (s *WorkflowService) view(rec *models.Record) *RecordView {
	if rec == nil {
		return nil
	}
	return &RecordView{Record: rec, Progress: s.machine.Progress(rec)}
}

// CreateInput registers a new record.
type CreateInput struct {
	Type       models.WorkflowType    `json:"type" validate:"required"`
	MoldID     string                 `json:"mold_id" validate:"required,max=100"`
	MoldSpecID string                 `json:"mold_spec_id" validate:"max=100"`
	Fields     map[string]string      `json:"fields" validate:"max=50,dive,keys,required,max=64,endkeys,max=4000"`
	Items      []models.ChecklistItem `json:"items" validate:"max=500,dive"`
}

// CreateRecord validates input, checks the role gate and stores the record in
// its initial stage along with a create event.
func (s *WorkflowService) CreateRecord(ctx context.Context, actor models.Actor, in CreateInput) (*RecordView, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fromValidator(err)
	}
	if _, ok := s.machine.Definition(in.Type); !ok {
		return nil, &workflow.ValidationError{Code: workflow.CodeUnknownType, Field: "type", Message: fmt.Sprintf("unknown workflow type %q", in.Type)}
	}
	if !s.gate.CanCreate(actor.Role, in.Type) {
		return nil, &workflow.AuthorizationError{Role: actor.Role, Workflow: in.Type, Action: models.ActionCreate}
	}
	if len(in.Items) > 0 && in.Type != models.TypeChecklistMaster {
		return nil, &workflow.ValidationError{Code: workflow.CodeInvalidField, Field: "items", Message: "only checklist masters carry items"}
	}

	now := s.clock()
	rec, err := s.machine.NewRecord(in.Type, in.Fields, actor, now)
	if err != nil {
		return nil, err
	}
	rec.ID = uuid.New().String()
	rec.MoldID = strings.TrimSpace(in.MoldID)
	rec.MoldSpecID = strings.TrimSpace(in.MoldSpecID)
	rec.Items = in.Items
	if def, _ := s.machine.Definition(in.Type); def.Versioned {
		rec.TemplateID = rec.ID
	}

	ev := createEvent(rec, actor, now)
	if err := s.store.CreateRecord(ctx, rec, ev); err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	s.count(ctx, rec.Type, models.ActionCreate)
	return s.view(rec), nil
}

func createEvent(rec *models.Record, actor models.Actor, now time.Time) *models.TransitionEvent {
	return &models.TransitionEvent{
		WorkflowType: rec.Type,
		RecordID:     rec.ID,
		Action:       models.ActionCreate,
		ToStatus:     rec.Status,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		OccurredAt:   now,
	}
}

// GetRecord retrieves a record by its ID.
func (s *WorkflowService) GetRecord(ctx context.Context, id string) (*RecordView, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.view(rec), nil
}

// ListRecords returns records matching q.
func (s *WorkflowService) ListRecords(ctx context.Context, q models.RecordQuery) ([]*RecordView, error) {
	recs, err := s.store.ListRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*RecordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, s.view(r))
	}
	return out, nil
}

// DraftInput edits a record that is still in its editable stage. Fields are
// merged; an empty value removes the field. Items, when set, replace the list.
type DraftInput struct {
	MoldSpecID *string                 `json:"mold_spec_id,omitempty" validate:"omitempty,max=100"`
	Fields     map[string]string       `json:"fields,omitempty" validate:"max=50,dive,keys,required,max=64,endkeys,max=4000"`
	Items      *[]models.ChecklistItem `json:"items,omitempty" validate:"omitempty,max=500,dive"`
}

// UpdateDraft applies in to the record. Only roles that may create the type
// can edit, and only while the record sits in its editable stage.
func (s *WorkflowService) UpdateDraft(ctx context.Context, actor models.Actor, id string, in DraftInput) (*RecordView, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fromValidator(err)
	}
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	def, ok := s.machine.Definition(rec.Type)
	if !ok {
		return nil, &workflow.ValidationError{Code: workflow.CodeUnknownType, Field: "type", Message: fmt.Sprintf("unknown workflow type %q", rec.Type)}
	}
	if !s.gate.CanCreate(actor.Role, rec.Type) {
		return nil, &workflow.AuthorizationError{Role: actor.Role, Workflow: rec.Type, Stage: rec.Status, Action: actionEdit}
	}
	if rec.Status != def.Editable {
		return nil, &workflow.ValidationError{Code: workflow.CodeNotEditable, Field: "status", Message: fmt.Sprintf("%s records are editable only in %q, not %q", rec.Type, def.Editable, rec.Status)}
	}
	if err := s.machine.CheckEditable(rec.Type, in.Fields); err != nil {
		return nil, err
	}

	next := rec.Copy()
	if in.MoldSpecID != nil {
		next.MoldSpecID = strings.TrimSpace(*in.MoldSpecID)
	}
	for k, v := range in.Fields {
		if v = strings.TrimSpace(v); v == "" {
			delete(next.Fields, k)
		} else {
			next.Fields[k] = v
		}
	}
	if in.Items != nil {
		if rec.Type != models.TypeChecklistMaster && len(*in.Items) > 0 {
			return nil, &workflow.ValidationError{Code: workflow.CodeInvalidField, Field: "items", Message: "only checklist masters carry items"}
		}
		next.Items = append([]models.ChecklistItem(nil), (*in.Items)...)
	}
	if err := s.machine.ValidateFields(rec.Type, next.Fields); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.clock()

	if err := s.store.UpdateDraft(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}
	return s.view(next), nil
}

// ActionOption is one action of the record's current stage.
type ActionOption struct {
	Action   models.Action `json:"action"`
	To       models.Status `json:"to"`
	Requires []string      `json:"requires,omitempty"`
	// Blocked explains an unmet approval guard; the action would be rejected.
	Blocked string `json:"blocked,omitempty"`
}

// ActionSet lists what an actor may do with a record right now.
type ActionSet struct {
	RecordID string         `json:"record_id"`
	Status   models.Status  `json:"status"`
	Role     models.Role    `json:"role"`
	Actions  []ActionOption `json:"actions"`
}

// AllowedActions enumerates the table actions from the record's stage that
// the actor's role may perform.
func (s *WorkflowService) AllowedActions(ctx context.Context, actor models.Actor, id string) (*ActionSet, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	def, _ := s.machine.Definition(rec.Type)
	set := &ActionSet{RecordID: rec.ID, Status: rec.Status, Role: actor.Role, Actions: []ActionOption{}}
	for _, action := range s.machine.Actions(rec.Type, rec.Status) {
		if !s.gate.CanAct(actor.Role, rec.Type, rec.Status, action) {
			continue
		}
		tr, _ := def.Transition(action)
		opt := ActionOption{Action: action, To: tr.Target(rec.Status)}
		for _, rule := range tr.Require {
			opt.Requires = append(opt.Requires, rule.Key)
		}
		if err := s.machine.Blocked(rec, action); err != nil {
			var verr *workflow.ValidationError
			if errors.As(err, &verr) {
				opt.Blocked = verr.Message
			}
		}
		set.Actions = append(set.Actions, opt)
	}
	return set, nil
}

// TransitionRequest asks to perform an action on a record.
type TransitionRequest struct {
	// WorkflowType, when set, must match the record's type.
	WorkflowType models.WorkflowType
	RecordID     string
	Action       models.Action
	Payload      workflow.Payload
}

// TransitionResult is the outcome of a transition request.
type TransitionResult struct {
	Record  *RecordView             `json:"record"`
	Event   *models.TransitionEvent `json:"event,omitempty"`
	Spawned *RecordView             `json:"spawned,omitempty"`
	// Replayed is set when the request repeated the last applied transition
	// and nothing was written.
	Replayed bool `json:"replayed"`
}

// maxTransitionAttempts bounds how often a transition is re-evaluated after
// losing a concurrent write.
const maxTransitionAttempts = 3

// RequestTransition validates and applies an action. Role violations return
// an AuthorizationError, illegal requests a ValidationError; neither changes
// any state. A request identical to the last applied transition is answered
// from the current record without emitting a second event.
//
// The write is conditional on the record being unchanged since it was read.
// A lost race re-runs every check against the new state, so a duplicate
// submission that loses becomes a replay.
func (s *WorkflowService) RequestTransition(ctx context.Context, actor models.Actor, req TransitionRequest) (*TransitionResult, error) {
	var err error
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		var res *TransitionResult
		res, err = s.requestTransition(ctx, actor, req)
		if !errors.Is(err, repository.ErrConflict) {
			return res, err
		}
	}
	return nil, err
}

func (s *WorkflowService) requestTransition(ctx context.Context, actor models.Actor, req TransitionRequest) (*TransitionResult, error) {
	rec, err := s.store.GetRecord(ctx, req.RecordID)
	if err != nil {
		return nil, err
	}
	if req.WorkflowType != "" && req.WorkflowType != rec.Type {
		return nil, &workflow.ValidationError{
			Code:    workflow.CodeTypeMismatch,
			Field:   "workflow_type",
			Message: fmt.Sprintf("record %s is a %s, not a %s", rec.ID, rec.Type, req.WorkflowType),
		}
	}
	def, _ := s.machine.Definition(rec.Type)
	tr, known := def.Transition(req.Action)
	if !known {
		return nil, &workflow.ValidationError{
			Code:    workflow.CodeUnknownAction,
			Field:   "action",
			Message: fmt.Sprintf("%s records have no action %q", rec.Type, req.Action),
		}
	}
	if err := s.gate.Check(actor, rec.Type, rec.Status, req.Action); err != nil {
		return nil, err
	}

	digest := req.Payload.Digest()
	last, err := s.store.LastEvent(ctx, rec.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load last event: %w", err)
	}
	if last != nil && last.Action == req.Action && last.ActorID == actor.ID &&
		last.PayloadDigest == digest && last.ToStatus == rec.Status {
		res := &TransitionResult{Record: s.view(rec), Event: last, Replayed: true}
		if !tr.Spawn {
			return res, nil
		}
		// a repeated clone answers with the version the first one created,
		// unless work on that version has started
		spawned, err := s.spawnedBy(ctx, rec, last, def.Initial)
		if err != nil {
			return nil, err
		}
		if spawned != nil {
			res.Spawned = s.view(spawned)
			return res, nil
		}
	}

	out, err := s.machine.Next(rec, req.Action, req.Payload)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	next := workflow.Apply(rec, out, actor, now)
	ev := &models.TransitionEvent{
		WorkflowType:  rec.Type,
		RecordID:      rec.ID,
		Action:        req.Action,
		FromStatus:    out.From,
		ToStatus:      out.To,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		PayloadDigest: digest,
		Reason:        out.Reason,
		OccurredAt:    now,
	}
	t := repository.Transition{Record: next, Event: ev, Expected: rec.UpdatedAt}
	if out.Spawn {
		t.Spawn = s.machine.Spawn(next, 0, actor, now)
		t.Spawn.ID = uuid.New().String()
		t.SpawnEvent = createEvent(t.Spawn, actor, now)
	}
	if err := s.store.ApplyTransition(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}
	s.count(ctx, rec.Type, req.Action)

	return &TransitionResult{Record: s.view(next), Event: ev, Spawned: s.view(t.Spawn)}, nil
}

// spawnedBy finds the version ev created from src while it is still in its
// initial stage.
func (s *WorkflowService) spawnedBy(ctx context.Context, src *models.Record, ev *models.TransitionEvent, initial models.Status) (*models.Record, error) {
	lineage, err := s.store.ListRecords(ctx, models.RecordQuery{Type: src.Type, TemplateID: src.TemplateID})
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	for _, r := range lineage {
		if r.ID != src.ID && r.CreatedBy == ev.ActorID && r.CreatedAt.Equal(ev.OccurredAt) {
			if r.Status != initial {
				return nil, nil
			}
			return r, nil
		}
	}
	return nil, nil
}

func (s *WorkflowService) count(ctx context.Context, t models.WorkflowType, action models.Action) {
	if s.transitions == nil {
		return
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.type", string(t)),
		attribute.String("workflow.action", string(action)),
	))
}

// History returns a record's transition events in order.
func (s *WorkflowService) History(ctx context.Context, id string) ([]*models.TransitionEvent, error) {
	if _, err := s.store.GetRecord(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, id)
}

// Notifications returns the actor's notification feed.
func (s *WorkflowService) Notifications(ctx context.Context, actor models.Actor, unreadOnly bool, limit int) ([]*models.Notification, error) {
	return s.store.ListNotifications(ctx, models.NotificationQuery{
		Role:       actor.Role,
		CompanyID:  actor.CompanyID,
		ActorID:    actor.ID,
		UnreadOnly: unreadOnly,
		Limit:      limit,
	})
}

// MarkNotificationRead marks one of the actor's notifications read.
func (s *WorkflowService) MarkNotificationRead(ctx context.Context, actor models.Actor, id string) error {
	return s.store.MarkNotificationRead(ctx, id, actor, s.clock())
}

// fromValidator converts the first validator failure into a ValidationError.
func fromValidator(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &workflow.ValidationError{Code: workflow.CodeInvalidField, Message: err.Error()}
	}
	fe := verrs[0]
	field := fe.Field()
	if fe.Tag() == "required" {
		return &workflow.ValidationError{Code: workflow.CodeMissingField, Field: field, Message: field + " is required"}
	}
	return &workflow.ValidationError{
		Code:    workflow.CodeInvalidField,
		Field:   field,
		Message: fmt.Sprintf("%s failed %q", field, fe.Tag()),
	}
}
