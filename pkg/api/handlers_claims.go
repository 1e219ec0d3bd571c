package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"autonode/pkg/coordination"
	"autonode/pkg/models"
	"autonode/pkg/node"
)

// --- Request/Response DTOs ---

// ClaimRequest is the payload for claiming a task.
type ClaimRequest struct {
	Kind   string            `json:"kind" binding:"required"`
	Name   string            `json:"name" binding:"required"`
	Params map[string]string `json:"params"`
}

// ClaimResponse is returned when this node wins a claim.
type ClaimResponse struct {
	Task   models.Task `json:"task"`
	Key    string      `json:"key"`
	NodeID string      `json:"node_id"`
}

// claimTask handles POST /api/v1/claims
func (s *Server) claimTask(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := models.Task{Kind: req.Kind, Name: req.Name, Params: req.Params}
	if err := s.validator.ValidateTask(task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key, err := s.node.ClaimTask(c.Request.Context(), task)
	if err != nil {
		status, code := claimStatus(err)
		if status >= http.StatusInternalServerError {
			s.log.Warn("claim failed", zap.String("task", task.Name), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code, "detail": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ClaimResponse{
		Task:   task,
		Key:    formatKey(key),
		NodeID: s.node.ID(),
	})
}

func claimStatus(err error) (int, string) {
	switch {
	case errors.Is(err, coordination.ErrAlreadyClaimed):
		return http.StatusConflict, "ALREADY_CLAIMED"
	case errors.Is(err, coordination.ErrSuperseded):
		return http.StatusConflict, "SUPERSEDED"
	case errors.Is(err, coordination.ErrInProgress):
		return http.StatusConflict, "IN_PROGRESS"
	case errors.Is(err, models.ErrInvalidTask), errors.Is(err, coordination.ErrNilObject):
		return http.StatusBadRequest, "INVALID_TASK"
	case errors.Is(err, coordination.ErrClosed), errors.Is(err, node.ErrStopped), errors.Is(err, node.ErrNotStarted):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "CLAIM_FAILED"
	}
}

func formatKey(key uint64) string {
	return strconv.FormatUint(key, 16)
}
