package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"autonode/pkg/models"
	"autonode/pkg/storage"
)

// PutItemRequest is the payload for storing an item locally.
type PutItemRequest struct {
	Name       string            `json:"name" binding:"required"`
	Attributes models.Attributes `json:"attributes"`
}

// putItem handles PUT /api/v1/items/:key
func (s *Server) putItem(c *gin.Context) {
	key := c.Param("key")
	if err := s.validator.ValidateKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req PutItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateName(req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item := &models.Item{Key: key, Name: req.Name, Attributes: req.Attributes}
	if err := s.node.StoreItem(c.Request.Context(), item); err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store item: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, item)
}

// getItem handles GET /api/v1/items/:key. It reads the local catalog only.
func (s *Server) getItem(c *gin.Context) {
	key := c.Param("key")
	if err := s.validator.ValidateKey(key); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := s.node.LocalItem(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "item not found"})
			return
		}
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get item: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, item)
}

// getNode handles GET /api/v1/node
func (s *Server) getNode(c *gin.Context) {
	claims, collects := s.node.Pending()
	c.JSON(http.StatusOK, gin.H{
		"node_id":          s.node.ID(),
		"pending_claims":   claims,
		"pending_collects": collects,
	})
}
