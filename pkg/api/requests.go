package api

import (
	"fmt"
	"time"

	"github.com/relaydesk/aicore/pkg/models"
)

// CreateTriggerRequest is the body for POST /api/v1/triggers: a new
// persisted message the pipeline should consider.
type CreateTriggerRequest struct {
	ConversationID string    `json:"conversation_id" binding:"required"`
	AgentID        string    `json:"agent_id" binding:"required"`
	MessageID      string    `json:"message_id" binding:"required"`
	CreatedAt      time.Time `json:"created_at" binding:"required"`
	SenderType     string    `json:"sender_type" binding:"required"`
	Visibility     string    `json:"visibility" binding:"required"`
}

// Validate checks the enum fields.
func (r *CreateTriggerRequest) Validate() error {
	switch models.SenderType(r.SenderType) {
	case models.SenderVisitor, models.SenderHumanAgent, models.SenderAiAgent:
	default:
		return fmt.Errorf("invalid sender_type %q", r.SenderType)
	}
	switch models.Visibility(r.Visibility) {
	case models.VisibilityPublic, models.VisibilityPrivate:
	default:
		return fmt.Errorf("invalid visibility %q", r.Visibility)
	}
	return nil
}

// PauseRequest is the optional body for POST /conversations/:id/pause.
// A nil Until pauses indefinitely.
type PauseRequest struct {
	Until *time.Time `json:"until"`
}

// SupersedeRequest is the optional body for POST
// /conversations/:id/supersede. Direction defaults to inbound.
type SupersedeRequest struct {
	Direction string `json:"direction"`
}

func (r *SupersedeRequest) direction() (models.Direction, error) {
	switch r.Direction {
	case "", string(models.DirectionInbound):
		return models.DirectionInbound, nil
	case string(models.DirectionOutbound):
		return models.DirectionOutbound, nil
	default:
		return "", fmt.Errorf("invalid direction %q", r.Direction)
	}
}

// HealthCheck is one component's health in a health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}
