package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"autonode/pkg/coordination"
	"autonode/pkg/node"
)

// collectItem handles GET /api/v1/collect/:key
func (s *Server) collectItem(c *gin.Context) {
	key := c.Param("key")
	if err := s.validator.ValidateKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := s.node.CollectItem(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, item)
	case errors.Is(err, coordination.ErrNoResponder):
		c.JSON(http.StatusNotFound, gin.H{"error": "NOONE_HAS_IT", "key": key})
	case errors.Is(err, coordination.ErrSuperseded), errors.Is(err, coordination.ErrInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "IN_PROGRESS", "detail": err.Error()})
	case errors.Is(err, coordination.ErrEmptyKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, coordination.ErrClosed), errors.Is(err, node.ErrStopped), errors.Is(err, node.ErrNotStarted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "UNAVAILABLE", "detail": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect item: " + err.Error()})
	}
}
