package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaydesk/aicore/pkg/store"
)

// pauseHandler handles POST /api/v1/conversations/:id/pause. An empty
// body pauses indefinitely; {"until": <RFC3339>} pauses until then.
func (s *Server) pauseHandler(c *gin.Context) {
	var req PauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.pauser.Pause(c.Request.Context(), c.Param("id"), req.Until); err != nil {
		writePauseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeHandler handles POST /api/v1/conversations/:id/resume.
func (s *Server) resumeHandler(c *gin.Context) {
	if err := s.pauser.Resume(c.Request.Context(), c.Param("id")); err != nil {
		writePauseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// supersedeHandler handles POST /api/v1/conversations/:id/supersede. It
// rotates the active run id so any in-flight generation for the
// conversation is discarded before it can send.
func (s *Server) supersedeHandler(c *gin.Context) {
	var req SupersedeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	direction, err := req.direction()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.producer.Supersede(c.Request.Context(), c.Param("id"), direction); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to supersede run"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "superseded"})
}

func writePauseError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
