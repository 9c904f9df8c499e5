package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"moldflow/backend/pkg/models"
)

// Payload carries the free-text inputs of a transition request.
type Payload map[string]string

// Get returns the trimmed value for key.
func (p Payload) Get(key string) string {
	return strings.TrimSpace(p[key])
}

// Digest returns a stable hash of the payload used to detect resubmissions.
func (p Payload) Digest() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(strings.TrimSpace(p[k])))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Outcome is the result of a legal transition request. Applying it to the
// record is a separate, pure step.
type Outcome struct {
	Action   models.Action
	From     models.Status
	To       models.Status
	Open     models.Gate
	Decision *models.ApprovalDecision
	Fields   map[string]string
	Reason   string
	Deploy   bool
	Spawn    bool
}

// Advances reports whether the outcome changes the record's status.
func (o Outcome) Advances() bool {
	return o.From != o.To
}

// Machine validates transitions against a fixed set of definitions. It has
// no mutable state and is safe for concurrent use.
type Machine struct {
	defs     map[models.WorkflowType]Definition
	order    []models.WorkflowType
	validate *validator.Validate
}

// NewMachine builds a machine over the given definitions.
func NewMachine(defs ...Definition) *Machine {
	m := &Machine{
		defs:     make(map[models.WorkflowType]Definition, len(defs)),
		validate: validator.New(),
	}
	for _, d := range defs {
		if _, dup := m.defs[d.Type]; !dup {
			m.order = append(m.order, d.Type)
		}
		m.defs[d.Type] = d
	}
	return m
}

// Default returns a machine over the built-in definitions.
func Default() *Machine {
	return NewMachine(Builtin()...)
}

// Definition returns the definition of t.
func (m *Machine) Definition(t models.WorkflowType) (Definition, bool) {
	d, ok := m.defs[t]
	return d, ok
}

// Definitions returns all definitions in registration order.
func (m *Machine) Definitions() []Definition {
	out := make([]Definition, 0, len(m.order))
	for _, t := range m.order {
		out = append(out, m.defs[t])
	}
	return out
}

// Actions enumerates the actions the transition table allows from status.
// Guards are not evaluated.
func (m *Machine) Actions(t models.WorkflowType, status models.Status) []models.Action {
	def, ok := m.defs[t]
	if !ok {
		return nil
	}
	var actions []models.Action
	for _, tr := range def.Transitions {
		if tr.appliesFrom(status) {
			actions = append(actions, tr.Action)
		}
	}
	return actions
}

// Next decides the outcome of applying action to rec. It never mutates rec.
func (m *Machine) Next(rec *models.Record, action models.Action, payload Payload) (Outcome, error) {
	tr, err := m.lookup(rec, action)
	if err != nil {
		return Outcome{}, err
	}
	if err := m.checkPayload(tr.Require, payload); err != nil {
		return Outcome{}, err
	}
	if err := checkGuards(rec, tr.Guards); err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Action: action,
		From:   rec.Status,
		To:     tr.Target(rec.Status),
		Open:   tr.Open,
		Fields: make(map[string]string),
		Reason: payload.Get(PayloadReason),
		Deploy: tr.Deploy,
		Spawn:  tr.Spawn,
	}
	for key, field := range tr.Capture {
		out.Fields[field] = payload.Get(key)
	}
	if c := payload.Get(PayloadComment); c != "" {
		out.Fields[models.FieldComment] = c
	}
	if tr.Decide != nil {
		out.Decision = &models.ApprovalDecision{
			Gate:    tr.Decide.Gate,
			Outcome: tr.Decide.Want,
			Reason:  out.Reason,
		}
	}
	return out, nil
}

// Blocked returns the guard error that currently prevents action, or nil.
// Payload requirements are not checked.
func (m *Machine) Blocked(rec *models.Record, action models.Action) error {
	tr, err := m.lookup(rec, action)
	if err != nil {
		return err
	}
	return checkGuards(rec, tr.Guards)
}

func (m *Machine) lookup(rec *models.Record, action models.Action) (Transition, error) {
	def, ok := m.defs[rec.Type]
	if !ok {
		return Transition{}, invalid(CodeUnknownType, "type", "unknown workflow type %q", rec.Type)
	}
	if !def.HasStage(rec.Status) {
		return Transition{}, invalid(CodeInvalidStatus, "status", "%q is not a %s stage", rec.Status, rec.Type)
	}
	tr, ok := def.Transition(action)
	if !ok {
		return Transition{}, invalid(CodeUnknownAction, "action", "%s records have no action %q", rec.Type, action)
	}
	if !tr.appliesFrom(rec.Status) {
		return Transition{}, invalid(CodeIllegalTransition, "action", "cannot %s from %q", action, rec.Status)
	}
	return tr, nil
}

func (m *Machine) checkPayload(rules []FieldRule, payload Payload) error {
	for _, rule := range rules {
		if err := m.checkField(rule, payload.Get(rule.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) checkField(rule FieldRule, value string) error {
	err := m.validate.Var(value, rule.Tag)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "required" {
		return invalid(CodeMissingField, rule.Key, "%s is required", rule.Key)
	}
	return invalid(CodeInvalidField, rule.Key, "%s failed %q", rule.Key, rule.Tag)
}

func checkGuards(rec *models.Record, guards []Guard) error {
	for _, g := range guards {
		d, ok := rec.Decision(g.Gate)
		if ok && d.Outcome == g.Want {
			continue
		}
		current := "none"
		if ok {
			current = string(d.Outcome)
		}
		code := CodeGateNotPending
		if g.Want == models.OutcomeApproved {
			code = CodeGateNotApproved
		}
		return invalid(code, string(g.Gate), "%s must be %s, is %s", g.Gate, g.Want, current)
	}
	return nil
}

// Apply returns the record that results from out. rec is left untouched.
func Apply(rec *models.Record, out Outcome, actor models.Actor, now time.Time) *models.Record {
	next := rec.Copy()
	next.Status = out.To
	for k, v := range out.Fields {
		next.Fields[k] = v
	}
	if out.Open != "" {
		next.Decisions[out.Open] = models.ApprovalDecision{
			Gate:    out.Open,
			Outcome: models.OutcomePending,
			By:      actor.ID,
			At:      now,
		}
	}
	if out.Decision != nil {
		d := *out.Decision
		d.By = actor.ID
		d.At = now
		next.Decisions[d.Gate] = d
	}
	if out.Deploy {
		next.IsCurrentDeployed = true
	}
	if out.Advances() {
		next.Stamps[out.To] = models.Stamp{By: actor.ID, At: now}
	}
	next.UpdatedAt = now
	return next
}

// NewRecord validates creation fields and returns a record in the initial
// stage of t. Identifiers are left for the caller to assign.
func (m *Machine) NewRecord(t models.WorkflowType, fields map[string]string, actor models.Actor, now time.Time) (*models.Record, error) {
	def, ok := m.defs[t]
	if !ok {
		return nil, invalid(CodeUnknownType, "type", "unknown workflow type %q", t)
	}
	if err := m.CheckEditable(t, fields); err != nil {
		return nil, err
	}
	clean := CleanFields(fields)
	if err := m.ValidateFields(t, clean); err != nil {
		return nil, err
	}
	return &models.Record{
		Type:      t,
		Version:   1,
		Status:    def.Initial,
		CompanyID: actor.CompanyID,
		Fields:    clean,
		Decisions: make(map[models.Gate]models.ApprovalDecision),
		Stamps:    map[models.Status]models.Stamp{def.Initial: {By: actor.ID, At: now}},
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ValidateFields checks a record's free-text fields against the creation
// rules of t.
func (m *Machine) ValidateFields(t models.WorkflowType, fields map[string]string) error {
	def, ok := m.defs[t]
	if !ok {
		return invalid(CodeUnknownType, "type", "unknown workflow type %q", t)
	}
	for _, rule := range def.CreateRules {
		if err := m.checkField(rule, strings.TrimSpace(fields[rule.Key])); err != nil {
			return err
		}
	}
	return nil
}

// CheckEditable rejects field keys that only transitions may write: the
// fields a transition captures from its payload, plus the per-round reason
// and comment.
func (m *Machine) CheckEditable(t models.WorkflowType, fields map[string]string) error {
	def, ok := m.defs[t]
	if !ok {
		return invalid(CodeUnknownType, "type", "unknown workflow type %q", t)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == models.FieldReason || k == models.FieldComment {
			return invalid(CodeInvalidField, k, "%s is recorded by transitions and cannot be edited", k)
		}
		if action, reserved := def.Reserved(k); reserved {
			return invalid(CodeInvalidField, k, "%s is set by the %s action", k, action)
		}
	}
	return nil
}

// CleanFields trims values and drops empty ones.
func CleanFields(fields map[string]string) map[string]string {
	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		if v = strings.TrimSpace(v); v != "" {
			clean[k] = v
		}
	}
	return clean
}

// Spawn derives the next draft version from a cloned record.
func (m *Machine) Spawn(src *models.Record, version int, actor models.Actor, now time.Time) *models.Record {
	def := m.defs[src.Type]
	next := src.Copy()
	next.ID = ""
	next.Version = version
	next.Status = def.Initial
	next.IsCurrentDeployed = false
	next.CompanyID = actor.CompanyID
	delete(next.Fields, models.FieldReason)
	delete(next.Fields, models.FieldComment)
	next.Decisions = make(map[models.Gate]models.ApprovalDecision)
	next.Stamps = map[models.Status]models.Stamp{def.Initial: {By: actor.ID, At: now}}
	next.CreatedBy = actor.ID
	next.CreatedAt = now
	next.UpdatedAt = now
	return next
}

// Progress places a record on its type's display stepper.
type Progress struct {
	Phase      string `json:"phase"`
	PhaseIndex int    `json:"phase_index"`
	PhaseCount int    `json:"phase_count"`
	StageIndex int    `json:"stage_index"`
	StageCount int    `json:"stage_count"`
	Terminal   bool   `json:"terminal"`
}

// Progress maps rec's stage to its display phase.
func (m *Machine) Progress(rec *models.Record) Progress {
	def, ok := m.defs[rec.Type]
	if !ok {
		return Progress{PhaseIndex: -1, StageIndex: -1}
	}
	st, _ := def.Stage(rec.Status)
	phases := def.Phases()
	p := Progress{
		Phase:      st.Phase,
		PhaseIndex: -1,
		PhaseCount: len(phases),
		StageIndex: def.Index(rec.Status),
		StageCount: len(def.Stages),
		Terminal:   st.Terminal,
	}
	for i, ph := range phases {
		if ph == st.Phase {
			p.PhaseIndex = i
			break
		}
	}
	return p
}
