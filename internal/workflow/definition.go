// Package workflow holds the stage graphs of every workflow type and the
// pure transition validator that enforces them.
package workflow

import (
	"moldflow/backend/pkg/models"
)

// Stage is one named step of a workflow type.
type Stage struct {
	Name     models.Status `json:"name" yaml:"name"`
	Phase    string        `json:"phase" yaml:"phase"`
	Owners   []models.Role `json:"owners" yaml:"owners"`
	Terminal bool          `json:"terminal,omitempty" yaml:"terminal,omitempty"`
}

// FieldRule is a validator tag applied to one payload key.
type FieldRule struct {
	Key string `json:"key"`
	Tag string `json:"tag"`
}

// Guard requires a gate to hold a given outcome before an action applies.
type Guard struct {
	Gate models.Gate    `json:"gate"`
	Want models.Outcome `json:"want"`
}

// Transition is one row of the transition table.
type Transition struct {
	Action models.Action   `json:"action"`
	From   []models.Status `json:"from"`
	// To is the resulting status; empty leaves the status unchanged.
	To models.Status `json:"to,omitempty"`
	// Redirect overrides To for specific source statuses.
	Redirect map[models.Status]models.Status `json:"redirect,omitempty"`
	Require  []FieldRule                     `json:"require,omitempty"`
	Guards   []Guard                         `json:"guards,omitempty"`
	// Open resets a gate to pending.
	Open models.Gate `json:"open,omitempty"`
	// Decide records an outcome on a gate.
	Decide *Guard `json:"decide,omitempty"`
	// Capture copies payload keys into record fields.
	Capture map[string]string `json:"capture,omitempty"`
	Deploy  bool              `json:"deploy,omitempty"`
	Spawn   bool              `json:"spawn,omitempty"`
}

func (t Transition) appliesFrom(s models.Status) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// Target returns the status reached when the transition fires from from.
func (t Transition) Target(from models.Status) models.Status {
	if to, ok := t.Redirect[from]; ok {
		return to
	}
	if t.To == "" {
		return from
	}
	return t.To
}

// Definition is the static configuration of one workflow type.
type Definition struct {
	Type        models.WorkflowType `json:"type"`
	Stages      []Stage             `json:"stages"`
	Initial     models.Status       `json:"initial"`
	Editable    models.Status       `json:"editable"`
	Versioned   bool                `json:"versioned,omitempty"`
	CreateRules []FieldRule         `json:"create_rules,omitempty"`
	Transitions []Transition        `json:"transitions"`
}

// Stage returns the stage named s.
func (d Definition) Stage(s models.Status) (Stage, bool) {
	for _, st := range d.Stages {
		if st.Name == s {
			return st, true
		}
	}
	return Stage{}, false
}

// HasStage reports whether s is a member of the stage set.
func (d Definition) HasStage(s models.Status) bool {
	_, ok := d.Stage(s)
	return ok
}

// Index returns the position of s in the ordered stage list, or -1.
func (d Definition) Index(s models.Status) int {
	for i, st := range d.Stages {
		if st.Name == s {
			return i
		}
	}
	return -1
}

// Transition returns the table row for action.
func (d Definition) Transition(action models.Action) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.Action == action {
			return t, true
		}
	}
	return Transition{}, false
}

// Reserved reports whether key is written by a transition's capture, and by
// which action. Reserved fields cannot be set at creation or in a draft edit.
func (d Definition) Reserved(key string) (models.Action, bool) {
	for _, t := range d.Transitions {
		for _, field := range t.Capture {
			if field == key {
				return t.Action, true
			}
		}
	}
	return "", false
}

// Phases returns the distinct display phases in stage order.
func (d Definition) Phases() []string {
	var phases []string
	seen := make(map[string]bool)
	for _, st := range d.Stages {
		if st.Phase == "" || seen[st.Phase] {
			continue
		}
		seen[st.Phase] = true
		phases = append(phases, st.Phase)
	}
	return phases
}
