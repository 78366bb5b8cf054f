package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/registry"
)

// Health answers liveness probes.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// AuthStatus reports on the stored credentials without exposing them.
func (s *Server) AuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.authMgr.Status())
}

// ListModels serves the OpenAI-style model listing.
func (s *Server) ListModels(c *gin.Context) {
	entries := s.registry.ListPublic()
	models := make([]protocol.Model, 0, len(entries))
	for _, e := range entries {
		models = append(models, modelOf(e))
	}
	c.JSON(http.StatusOK, protocol.ModelList{Object: "list", Data: models})
}

// GetModel serves a single model entry, hidden aliases included.
func (s *Server) GetModel(c *gin.Context) {
	entry, err := s.registry.Resolve(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownModel) {
			c.JSON(http.StatusNotFound, protocol.NewOpenAIErrorResponse(
				"invalid_request_error", "model not found: "+c.Param("id")))
			return
		}
		c.JSON(http.StatusInternalServerError, protocol.NewOpenAIErrorResponse(
			"api_error", err.Error()))
		return
	}
	c.JSON(http.StatusOK, modelOf(entry))
}

func modelOf(e registry.Entry) protocol.Model {
	return protocol.Model{
		ID:                  e.ID,
		Object:              "model",
		Created:             e.Created,
		OwnedBy:             e.OwnedBy,
		ContextLength:       e.ContextLength,
		MaxCompletionTokens: e.MaxCompletionTokens,
	}
}
