package services

import (
	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

// ActionView describes one action available from a stage.
type ActionView struct {
	Action   models.Action `json:"action"`
	To       models.Status `json:"to"`
	Roles    []models.Role `json:"roles"`
	Requires []string      `json:"requires,omitempty"`
}

// StageView is a stage with the actions that leave it.
type StageView struct {
	workflow.Stage
	Actions []ActionView `json:"actions"`
}

// DefinitionView is the client-facing shape of a workflow definition.
type DefinitionView struct {
	Type        models.WorkflowType `json:"type"`
	Initial     models.Status       `json:"initial"`
	Editable    models.Status       `json:"editable"`
	Versioned   bool                `json:"versioned"`
	Phases      []string            `json:"phases"`
	CreateRoles []models.Role       `json:"create_roles"`
	Stages      []StageView         `json:"stages"`
}

// Definitions lists every workflow type with its stages, phases and the roles
// allowed to take each action.
func (s *WorkflowService) Definitions() []DefinitionView {
	defs := s.machine.Definitions()
	out := make([]DefinitionView, 0, len(defs))
	for _, def := range defs {
		view := DefinitionView{
			Type:        def.Type,
			Initial:     def.Initial,
			Editable:    def.Editable,
			Versioned:   def.Versioned,
			Phases:      def.Phases(),
			CreateRoles: s.gate.Roles(def.Type, "", models.ActionCreate),
		}
		for _, st := range def.Stages {
			sv := StageView{Stage: st, Actions: []ActionView{}}
			for _, action := range s.machine.Actions(def.Type, st.Name) {
				tr, _ := def.Transition(action)
				av := ActionView{
					Action: action,
					To:     tr.Target(st.Name),
					Roles:  s.gate.Roles(def.Type, st.Name, action),
				}
				for _, rule := range tr.Require {
					av.Requires = append(av.Requires, rule.Key)
				}
				sv.Actions = append(sv.Actions, av)
			}
			view.Stages = append(view.Stages, sv)
		}
		out = append(out, view)
	}
	return out
}
