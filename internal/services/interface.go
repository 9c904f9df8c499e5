package services

import (
	"context"

	"moldflow/backend/pkg/models"
)

// Webhook forwards notifications to an external system such as a plant MES
// or a messenger bridge.
type Webhook interface {
	// Deliver posts one transition event and the notifications it produced.
	Deliver(ctx context.Context, ev *models.TransitionEvent, ns []*models.Notification) error
}
