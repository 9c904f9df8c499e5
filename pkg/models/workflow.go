// Package models defines the domain models for the mold workflow service
package models

import (
	"time"
)

// WorkflowType identifies which stage graph a record follows.
type WorkflowType string

const (
	TypeRepair             WorkflowType = "repair"
	TypeTransfer           WorkflowType = "transfer"
	TypeInjectionCondition WorkflowType = "injection_condition"
	TypeChecklistMaster    WorkflowType = "checklist_master"
	TypeScrap              WorkflowType = "scrap"
)

// Status is the current stage name of a record.
type Status string

// Action is a requested state change.
type Action string

// Role is the organizational role of an actor.
type Role string

const (
	RoleDeveloper   Role = "developer"
	RoleSystemAdmin Role = "system_admin"
	RoleMaker       Role = "maker"
	RolePlant       Role = "plant"
)

// Gate names an approval decision that guards forward progress.
type Gate string

const (
	GateRepairShop       Gate = "repair_shop"
	GatePlantInspection  Gate = "plant_inspection"
	GateLiability        Gate = "liability"
	GateChecklistReview  Gate = "checklist_review"
	GateConditionApprove Gate = "condition_approval"
	GateTransferApproval Gate = "transfer_approval"
	GateScrapApproval    Gate = "scrap_approval"
)

// Outcome is the result of an approval decision.
type Outcome string

const (
	OutcomePending  Outcome = "대기"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Record field keys holding free text captured at each stage.
const (
	FieldProblemDescription = "problem_description"
	FieldRepairShopCompany  = "repair_shop_company"
	FieldRepairContent      = "repair_content"
	FieldChecklistResult    = "checklist_result"
	FieldLiabilityParty     = "liability_party"
	FieldToCompany          = "to_company"
	FieldReason             = "reason"
	FieldComment            = "comment"
)

// ApprovalDecision is the outcome of one gated stage.
type ApprovalDecision struct {
	Gate    Gate      `json:"gate"`
	Outcome Outcome   `json:"outcome"`
	By      string    `json:"by,omitempty"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Stamp records who moved a record into a stage and when.
type Stamp struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

// ChecklistItem is one periodic-inspection item of a checklist master.
type ChecklistItem struct {
	Code       string `json:"code" validate:"required,max=50"`
	Title      string `json:"title" validate:"required,max=200"`
	Category   string `json:"category,omitempty" validate:"max=100"`
	CycleShots int    `json:"cycle_shots" validate:"gte=0"`
}

// Record is one unit of workflow work: a repair request, a transfer, an
// injection-condition change or a checklist master version.
type Record struct {
	ID                string                    `json:"id"`
	Type              WorkflowType              `json:"type"`
	MoldID            string                    `json:"mold_id"`
	MoldSpecID        string                    `json:"mold_spec_id,omitempty"`
	TemplateID        string                    `json:"template_id,omitempty"` // Stable lineage ID for versioned types
	Version           int                       `json:"version"`
	Status            Status                    `json:"status"`
	IsCurrentDeployed bool                      `json:"is_current_deployed"`
	CompanyID         string                    `json:"company_id,omitempty"`
	Fields            map[string]string         `json:"fields"`
	Decisions         map[Gate]ApprovalDecision `json:"decisions"`
	Stamps            map[Status]Stamp          `json:"stamps"`
	Items             []ChecklistItem           `json:"items,omitempty"`
	CreatedBy         string                    `json:"created_by"`
	CreatedAt         time.Time                 `json:"created_at"`
	UpdatedAt         time.Time                 `json:"updated_at"`
}

// Decision returns the decision recorded for gate, if any.
func (r *Record) Decision(gate Gate) (ApprovalDecision, bool) {
	d, ok := r.Decisions[gate]
	return d, ok
}

// Field returns a free-text field or the empty string.
func (r *Record) Field(key string) string {
	return r.Fields[key]
}

// Copy returns a deep copy so callers can derive a new state without
// touching the original.
func (r *Record) Copy() *Record {
	c := *r
	c.Fields = make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	c.Decisions = make(map[Gate]ApprovalDecision, len(r.Decisions))
	for k, v := range r.Decisions {
		c.Decisions[k] = v
	}
	c.Stamps = make(map[Status]Stamp, len(r.Stamps))
	for k, v := range r.Stamps {
		c.Stamps[k] = v
	}
	if r.Items != nil {
		c.Items = append([]ChecklistItem(nil), r.Items...)
	}
	return &c
}

// RecordQuery filters records when listing.
type RecordQuery struct {
	Type       WorkflowType
	Status     Status
	MoldID     string
	TemplateID string
	Limit      int
	Offset     int
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}
