package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/aicore/pkg/models"
	"github.com/relaydesk/aicore/pkg/queue"
)

// createTriggerHandler handles POST /api/v1/triggers. The message is
// already persisted by the messaging service; this registers it with the
// scheduler. Accepted regardless of sender type: non-visitor messages
// advance conversation context without starting a run.
func (s *Server) createTriggerHandler(c *gin.Context) {
	var req CreateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.producer.OnNewMessage(c.Request.Context(), queue.NewMessageParams{
		ConversationID: req.ConversationID,
		AgentID:        req.AgentID,
		MessageID:      req.MessageID,
		CreatedAt:      req.CreatedAt,
		SenderType:     models.SenderType(req.SenderType),
		Visibility:     models.Visibility(req.Visibility),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue trigger"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
