package models

import (
	"time"
)

// ActionCreate is the pseudo action recorded when a record is registered.
const ActionCreate Action = "create"

// TransitionEvent is emitted once per applied transition. It doubles as the
// record history and the notification outbox row.
type TransitionEvent struct {
	ID            string       `json:"id"`
	WorkflowType  WorkflowType `json:"workflow_type"`
	RecordID      string       `json:"record_id"`
	Action        Action       `json:"action"`
	FromStatus    Status       `json:"from_status"`
	ToStatus      Status       `json:"to_status"`
	ActorID       string       `json:"actor_id"`
	ActorRole     Role         `json:"actor_role"`
	PayloadDigest string       `json:"payload_digest,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	OccurredAt    time.Time    `json:"occurred_at"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
}

// Notification is one entry of a recipient's notification feed. A
// role-addressed entry with a CompanyID is visible to that company only.
type Notification struct {
	ID            string       `json:"id"`
	EventID       string       `json:"event_id"`
	RecordID      string       `json:"record_id"`
	WorkflowType  WorkflowType `json:"workflow_type"`
	RecipientRole Role         `json:"recipient_role,omitempty"`
	RecipientID   string       `json:"recipient_id,omitempty"`
	CompanyID     string       `json:"company_id,omitempty"`
	Title         string       `json:"title"`
	Message       string       `json:"message"`
	CreatedAt     time.Time    `json:"created_at"`
	ReadAt        *time.Time   `json:"read_at,omitempty"`
}

// NotificationQuery selects the feed of one actor.
type NotificationQuery struct {
	Role       Role
	CompanyID  string
	ActorID    string
	UnreadOnly bool
	Limit      int
}
