package auth

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"moldflow/backend/internal/workflow"
	"moldflow/backend/pkg/models"
)

//go:embed policy.yaml
var defaultPolicy []byte

// Policy maps workflow actions to the roles allowed to perform them.
type Policy struct {
	Workflows map[models.WorkflowType]map[models.Action][]models.Role                   `yaml:"workflows"`
	Stages    map[models.WorkflowType]map[models.Status]map[models.Action][]models.Role `yaml:"stages"`
}

// Gate answers whether a role may perform an action on a record in a given
// stage. It is read-only after construction.
type Gate struct {
	policy Policy
}

// DefaultGate returns the gate built from the embedded policy.
func DefaultGate() *Gate {
	g, err := ParseGate(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded policy is invalid: %v", err))
	}
	return g
}

// LoadGate reads a policy file. An empty path selects the embedded policy.
func LoadGate(path string) (*Gate, error) {
	if path == "" {
		return ParseGate(defaultPolicy)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return ParseGate(data)
}

// ParseGate decodes a YAML policy.
func ParseGate(data []byte) (*Gate, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	for t, actions := range p.Workflows {
		for a, roles := range actions {
			if err := checkRoles(roles); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", t, a, err)
			}
		}
	}
	for t, stages := range p.Stages {
		for s, actions := range stages {
			for a, roles := range actions {
				if err := checkRoles(roles); err != nil {
					return nil, fmt.Errorf("%s.%s.%s: %w", t, s, a, err)
				}
			}
		}
	}
	return &Gate{policy: p}, nil
}

func checkRoles(roles []models.Role) error {
	for _, r := range roles {
		if !ValidRole(r) {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

// Roles returns the roles allowed to perform action on a t record in stage.
func (g *Gate) Roles(t models.WorkflowType, stage models.Status, action models.Action) []models.Role {
	if roles, ok := g.policy.Stages[t][stage][action]; ok {
		return roles
	}
	return g.policy.Workflows[t][action]
}

// CanAct reports whether role may perform action on a t record in stage.
func (g *Gate) CanAct(role models.Role, t models.WorkflowType, stage models.Status, action models.Action) bool {
	for _, r := range g.Roles(t, stage, action) {
		if r == role {
			return true
		}
	}
	return false
}

// Check returns an AuthorizationError when actor may not act.
func (g *Gate) Check(actor models.Actor, t models.WorkflowType, stage models.Status, action models.Action) error {
	if g.CanAct(actor.Role, t, stage, action) {
		return nil
	}
	return &workflow.AuthorizationError{Role: actor.Role, Workflow: t, Stage: stage, Action: action}
}

// CanCreate reports whether role may create t records.
func (g *Gate) CanCreate(role models.Role, t models.WorkflowType) bool {
	return g.CanAct(role, t, "", models.ActionCreate)
}

// Validate checks the policy against the machine's definitions: every
// referenced type, stage and action must exist, and every transition must be
// granted to at least one role.
func (g *Gate) Validate(m *workflow.Machine) error {
	for t, actions := range g.policy.Workflows {
		def, ok := m.Definition(t)
		if !ok {
			return fmt.Errorf("policy names unknown workflow %q", t)
		}
		for a := range actions {
			if a == models.ActionCreate {
				continue
			}
			if _, ok := def.Transition(a); !ok {
				return fmt.Errorf("policy names unknown action %s.%s", t, a)
			}
		}
	}
	for t, stages := range g.policy.Stages {
		def, ok := m.Definition(t)
		if !ok {
			return fmt.Errorf("policy names unknown workflow %q", t)
		}
		for s, actions := range stages {
			if !def.HasStage(s) {
				return fmt.Errorf("policy names unknown stage %s.%s", t, s)
			}
			for a := range actions {
				if _, ok := def.Transition(a); !ok {
					return fmt.Errorf("policy names unknown action %s.%s.%s", t, s, a)
				}
			}
		}
	}
	for _, def := range m.Definitions() {
		if len(g.policy.Workflows[def.Type][models.ActionCreate]) == 0 {
			return fmt.Errorf("no role may create %s records", def.Type)
		}
		for _, tr := range def.Transitions {
			if len(g.policy.Workflows[def.Type][tr.Action]) == 0 {
				return fmt.Errorf("no role may %s %s records", tr.Action, def.Type)
			}
		}
	}
	return nil
}

// Policy returns a copy of the policy with role lists sorted, for display.
func (g *Gate) Policy() Policy {
	out := Policy{
		Workflows: make(map[models.WorkflowType]map[models.Action][]models.Role, len(g.policy.Workflows)),
		Stages:    make(map[models.WorkflowType]map[models.Status]map[models.Action][]models.Role, len(g.policy.Stages)),
	}
	for t, actions := range g.policy.Workflows {
		out.Workflows[t] = copyActions(actions)
	}
	for t, stages := range g.policy.Stages {
		out.Stages[t] = make(map[models.Status]map[models.Action][]models.Role, len(stages))
		for s, actions := range stages {
			out.Stages[t][s] = copyActions(actions)
		}
	}
	return out
}

func copyActions(in map[models.Action][]models.Role) map[models.Action][]models.Role {
	out := make(map[models.Action][]models.Role, len(in))
	for a, roles := range in {
		rs := append([]models.Role(nil), roles...)
		sort.Slice(rs, func(i, j int) bool { return rs[i] < rs[j] })
		out[a] = rs
	}
	return out
}
