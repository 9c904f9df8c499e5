package workflow

import (
	"moldflow/backend/pkg/models"
)

// Repair request stages.
const (
	RepairRequested        models.Status = "요청접수"
	RepairShopSelection    models.Status = "수리처선정"
	RepairShopApprovalWait models.Status = "수리처승인대기"
	RepairInProgress       models.Status = "수리진행"
	RepairChecklist        models.Status = "체크리스트점검"
	RepairInspectionWait   models.Status = "생산처검수대기"
	RepairInspectionDone   models.Status = "생산처검수완료"
	RepairLiability        models.Status = "귀책처리"
	RepairRepaired         models.Status = "수리완료"
	RepairCompleted        models.Status = "완료"
)

// Stages shared by the approval-style workflow types.
const (
	StatusDraft         models.Status = "draft"
	StatusReview        models.Status = "review"
	StatusPending       models.Status = "pending"
	StatusRequested     models.Status = "requested"
	StatusChecklistDone models.Status = "checklist_done"
	StatusApproved      models.Status = "approved"
	StatusRejected      models.Status = "rejected"
	StatusDeployed      models.Status = "deployed"
	StatusCompleted     models.Status = "completed"
	StatusCancelled     models.Status = "cancelled"
	StatusScrapped      models.Status = "scrapped"
)

// Actions.
const (
	ActionAcknowledge        models.Action = "acknowledge"
	ActionSelectRepairShop   models.Action = "select_repair_shop"
	ActionSubmit             models.Action = "submit"
	ActionApproveRepairShop  models.Action = "approve_repair_shop"
	ActionRejectRepairShop   models.Action = "reject_repair_shop"
	ActionAdvanceToRepair    models.Action = "advance_to_repair"
	ActionCompleteRepair     models.Action = "complete_repair"
	ActionRequestInspection  models.Action = "request_inspection"
	ActionApproveInspection  models.Action = "approve_inspection"
	ActionRejectInspection   models.Action = "reject_inspection"
	ActionStartLiability     models.Action = "start_liability"
	ActionDetermineLiability models.Action = "determine_liability"
	ActionComplete           models.Action = "complete"
	ActionSubmitForReview    models.Action = "submit_for_review"
	ActionApprove            models.Action = "approve"
	ActionReject             models.Action = "reject"
	ActionDeploy             models.Action = "deploy"
	ActionClone              models.Action = "clone"
	ActionRevise             models.Action = "revise"
	ActionCompleteChecklist  models.Action = "complete_checklist"
	ActionCancel             models.Action = "cancel"
	ActionScrap              models.Action = "scrap"
)

// Payload keys.
const (
	PayloadCompany         = "company"
	PayloadReason          = "reason"
	PayloadComment         = "comment"
	PayloadRepairContent   = "repair_content"
	PayloadChecklistResult = "checklist_result"
	PayloadLiabilityParty  = "liability_party"
)

var (
	hq       = []models.Role{models.RoleDeveloper, models.RoleSystemAdmin}
	plantHQ  = []models.Role{models.RolePlant, models.RoleDeveloper, models.RoleSystemAdmin}
	makers   = []models.Role{models.RoleMaker}
	plants   = []models.Role{models.RolePlant}
	shippers = []models.Role{models.RolePlant, models.RoleMaker}

	reasonRequired = FieldRule{Key: PayloadReason, Tag: "required,max=2000"}
	captureReason  = map[string]string{PayloadReason: models.FieldReason}
)

func statuses(s ...models.Status) []models.Status { return s }

// RepairDefinition is the repair request lifecycle.
func RepairDefinition() Definition {
	selection := statuses(RepairRequested, RepairShopSelection, RepairShopApprovalWait)
	return Definition{
		Type: models.TypeRepair,
		Stages: []Stage{
			{Name: RepairRequested, Phase: "request", Owners: hq},
			{Name: RepairShopSelection, Phase: "repair_shop_selection", Owners: plantHQ},
			{Name: RepairShopApprovalWait, Phase: "repair_shop_selection", Owners: hq},
			{Name: RepairInProgress, Phase: "repair", Owners: makers},
			{Name: RepairChecklist, Phase: "checklist", Owners: makers},
			{Name: RepairInspectionWait, Phase: "plant_inspection", Owners: plants},
			{Name: RepairInspectionDone, Phase: "plant_inspection", Owners: hq},
			{Name: RepairLiability, Phase: "liability", Owners: hq},
			{Name: RepairRepaired, Phase: "complete", Owners: plantHQ},
			{Name: RepairCompleted, Phase: "complete", Terminal: true},
		},
		Initial:  RepairRequested,
		Editable: RepairRequested,
		CreateRules: []FieldRule{
			{Key: models.FieldProblemDescription, Tag: "required,max=4000"},
		},
		Transitions: []Transition{
			{Action: ActionAcknowledge, From: statuses(RepairRequested), To: RepairShopSelection},
			{
				Action:  ActionSelectRepairShop,
				From:    selection,
				Require: []FieldRule{{Key: PayloadCompany, Tag: "required,max=200"}},
				Open:    models.GateRepairShop,
				Capture: map[string]string{PayloadCompany: models.FieldRepairShopCompany},
			},
			{
				Action: ActionSubmit,
				From:   statuses(RepairShopSelection),
				To:     RepairShopApprovalWait,
				Guards: []Guard{{Gate: models.GateRepairShop, Want: models.OutcomePending}},
			},
			{
				Action: ActionApproveRepairShop,
				From:   selection,
				Guards: []Guard{{Gate: models.GateRepairShop, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GateRepairShop, Want: models.OutcomeApproved},
			},
			{
				Action:   ActionRejectRepairShop,
				From:     selection,
				Redirect: map[models.Status]models.Status{RepairShopApprovalWait: RepairShopSelection},
				Require:  []FieldRule{reasonRequired},
				Guards:   []Guard{{Gate: models.GateRepairShop, Want: models.OutcomePending}},
				Decide:   &Guard{Gate: models.GateRepairShop, Want: models.OutcomeRejected},
			},
			{
				Action: ActionAdvanceToRepair,
				From:   selection,
				To:     RepairInProgress,
				Guards: []Guard{{Gate: models.GateRepairShop, Want: models.OutcomeApproved}},
			},
			{
				Action:  ActionCompleteRepair,
				From:    statuses(RepairInProgress),
				To:      RepairChecklist,
				Require: []FieldRule{{Key: PayloadRepairContent, Tag: "required,max=4000"}},
				Capture: map[string]string{PayloadRepairContent: models.FieldRepairContent},
			},
			{
				Action:  ActionRequestInspection,
				From:    statuses(RepairChecklist),
				To:      RepairInspectionWait,
				Require: []FieldRule{{Key: PayloadChecklistResult, Tag: "required,max=4000"}},
				Open:    models.GatePlantInspection,
				Capture: map[string]string{PayloadChecklistResult: models.FieldChecklistResult},
			},
			{
				Action: ActionApproveInspection,
				From:   statuses(RepairInspectionWait),
				To:     RepairInspectionDone,
				Guards: []Guard{{Gate: models.GatePlantInspection, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GatePlantInspection, Want: models.OutcomeApproved},
			},
			{
				Action:  ActionRejectInspection,
				From:    statuses(RepairInspectionWait),
				To:      RepairInProgress,
				Require: []FieldRule{reasonRequired},
				Guards:  []Guard{{Gate: models.GatePlantInspection, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GatePlantInspection, Want: models.OutcomeRejected},
			},
			{
				Action: ActionStartLiability,
				From:   statuses(RepairInspectionDone),
				To:     RepairLiability,
				Guards: []Guard{{Gate: models.GatePlantInspection, Want: models.OutcomeApproved}},
				Open:   models.GateLiability,
			},
			{
				Action:  ActionDetermineLiability,
				From:    statuses(RepairLiability),
				To:      RepairRepaired,
				Require: []FieldRule{{Key: PayloadLiabilityParty, Tag: "required,oneof=maker plant hq shared"}},
				Guards:  []Guard{{Gate: models.GateLiability, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GateLiability, Want: models.OutcomeApproved},
				Capture: map[string]string{PayloadLiabilityParty: models.FieldLiabilityParty},
			},
			{
				Action: ActionComplete,
				From:   statuses(RepairRepaired),
				To:     RepairCompleted,
				Guards: []Guard{{Gate: models.GateLiability, Want: models.OutcomeApproved}},
			},
		},
	}
}

// ChecklistMasterDefinition is the versioned checklist publishing lifecycle.
func ChecklistMasterDefinition() Definition {
	return Definition{
		Type: models.TypeChecklistMaster,
		Stages: []Stage{
			{Name: StatusDraft, Phase: "draft", Owners: hq},
			{Name: StatusReview, Phase: "review", Owners: hq},
			{Name: StatusApproved, Phase: "approved", Owners: hq},
			{Name: StatusDeployed, Phase: "deployed", Terminal: true},
		},
		Initial:   StatusDraft,
		Editable:  StatusDraft,
		Versioned: true,
		Transitions: []Transition{
			{Action: ActionSubmitForReview, From: statuses(StatusDraft), To: StatusReview, Open: models.GateChecklistReview},
			{
				Action: ActionApprove,
				From:   statuses(StatusReview),
				To:     StatusApproved,
				Guards: []Guard{{Gate: models.GateChecklistReview, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GateChecklistReview, Want: models.OutcomeApproved},
			},
			{
				Action:  ActionReject,
				From:    statuses(StatusReview),
				To:      StatusDraft,
				Require: []FieldRule{reasonRequired},
				Guards:  []Guard{{Gate: models.GateChecklistReview, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GateChecklistReview, Want: models.OutcomeRejected},
			},
			{
				Action: ActionDeploy,
				From:   statuses(StatusApproved),
				To:     StatusDeployed,
				Guards: []Guard{{Gate: models.GateChecklistReview, Want: models.OutcomeApproved}},
				Deploy: true,
			},
			{Action: ActionClone, From: statuses(StatusApproved, StatusDeployed), Spawn: true},
		},
	}
}

// InjectionConditionDefinition is the injection-condition change control.
func InjectionConditionDefinition() Definition {
	return Definition{
		Type: models.TypeInjectionCondition,
		Stages: []Stage{
			{Name: StatusDraft, Phase: "draft", Owners: shippers},
			{Name: StatusRejected, Phase: "draft", Owners: shippers},
			{Name: StatusPending, Phase: "approval", Owners: hq},
			{Name: StatusApproved, Phase: "approved", Terminal: true},
		},
		Initial:   StatusDraft,
		Editable:  StatusDraft,
		Versioned: true,
		Transitions: []Transition{
			{Action: ActionSubmit, From: statuses(StatusDraft), To: StatusPending, Open: models.GateConditionApprove},
			{
				Action: ActionApprove,
				From:   statuses(StatusPending),
				To:     StatusApproved,
				Guards: []Guard{{Gate: models.GateConditionApprove, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GateConditionApprove, Want: models.OutcomeApproved},
			},
			{
				Action:  ActionReject,
				From:    statuses(StatusPending),
				To:      StatusRejected,
				Require: []FieldRule{reasonRequired},
				Guards:  []Guard{{Gate: models.GateConditionApprove, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GateConditionApprove, Want: models.OutcomeRejected},
			},
			{Action: ActionRevise, From: statuses(StatusRejected), To: StatusDraft},
			{Action: ActionClone, From: statuses(StatusApproved), Spawn: true},
		},
	}
}

// TransferDefinition is the mold transfer approval lifecycle.
func TransferDefinition() Definition {
	return Definition{
		Type: models.TypeTransfer,
		Stages: []Stage{
			{Name: StatusDraft, Phase: "draft", Owners: shippers},
			{Name: StatusRequested, Phase: "checklist", Owners: shippers},
			{Name: StatusChecklistDone, Phase: "approval", Owners: hq},
			{Name: StatusApproved, Phase: "handover", Owners: shippers},
			{Name: StatusCompleted, Phase: "completed", Terminal: true},
			{Name: StatusCancelled, Phase: "cancelled", Terminal: true},
		},
		Initial:  StatusDraft,
		Editable: StatusDraft,
		CreateRules: []FieldRule{
			{Key: models.FieldToCompany, Tag: "required,max=200"},
		},
		Transitions: []Transition{
			{Action: ActionSubmit, From: statuses(StatusDraft), To: StatusRequested},
			{
				Action:  ActionCompleteChecklist,
				From:    statuses(StatusRequested),
				To:      StatusChecklistDone,
				Require: []FieldRule{{Key: PayloadChecklistResult, Tag: "required,max=4000"}},
				Open:    models.GateTransferApproval,
				Capture: map[string]string{PayloadChecklistResult: models.FieldChecklistResult},
			},
			{
				Action: ActionApprove,
				From:   statuses(StatusChecklistDone),
				To:     StatusApproved,
				Guards: []Guard{{Gate: models.GateTransferApproval, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GateTransferApproval, Want: models.OutcomeApproved},
			},
			{
				Action:  ActionReject,
				From:    statuses(StatusChecklistDone),
				To:      StatusRequested,
				Require: []FieldRule{reasonRequired},
				Guards:  []Guard{{Gate: models.GateTransferApproval, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GateTransferApproval, Want: models.OutcomeRejected},
			},
			{
				Action: ActionComplete,
				From:   statuses(StatusApproved),
				To:     StatusCompleted,
				Guards: []Guard{{Gate: models.GateTransferApproval, Want: models.OutcomeApproved}},
			},
			{
				Action:  ActionCancel,
				From:    statuses(StatusDraft, StatusRequested),
				To:      StatusCancelled,
				Require: []FieldRule{reasonRequired},
				Capture: captureReason,
			},
		},
	}
}

// ScrapDefinition is the mold scrapping request lifecycle.
func ScrapDefinition() Definition {
	return Definition{
		Type: models.TypeScrap,
		Stages: []Stage{
			{Name: StatusDraft, Phase: "draft", Owners: plantHQ},
			{Name: StatusRequested, Phase: "approval", Owners: hq},
			{Name: StatusApproved, Phase: "disposal", Owners: hq},
			{Name: StatusScrapped, Phase: "scrapped", Terminal: true},
		},
		Initial:  StatusDraft,
		Editable: StatusDraft,
		Transitions: []Transition{
			{
				Action:  ActionSubmit,
				From:    statuses(StatusDraft),
				To:      StatusRequested,
				Require: []FieldRule{reasonRequired},
				Open:    models.GateScrapApproval,
				Capture: captureReason,
			},
			{
				Action: ActionApprove,
				From:   statuses(StatusRequested),
				To:     StatusApproved,
				Guards: []Guard{{Gate: models.GateScrapApproval, Want: models.OutcomePending}},
				Decide: &Guard{Gate: models.GateScrapApproval, Want: models.OutcomeApproved},
			},
			{
				Action:  ActionReject,
				From:    statuses(StatusRequested),
				To:      StatusDraft,
				Require: []FieldRule{reasonRequired},
				Guards:  []Guard{{Gate: models.GateScrapApproval, Want: models.OutcomePending}},
				Decide:  &Guard{Gate: models.GateScrapApproval, Want: models.OutcomeRejected},
			},
			{
				Action: ActionScrap,
				From:   statuses(StatusApproved),
				To:     StatusScrapped,
				Guards: []Guard{{Gate: models.GateScrapApproval, Want: models.OutcomeApproved}},
			},
		},
	}
}

// Builtin returns every shipped workflow definition.
func Builtin() []Definition {
	return []Definition{
		RepairDefinition(),
		TransferDefinition(),
		InjectionConditionDefinition(),
		ChecklistMasterDefinition(),
		ScrapDefinition(),
	}
}
