package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/yungbote/im2-registry/internal/http/response"
	"github.com/yungbote/im2-registry/internal/registry"
)

type SystemHandler struct {
	registry registry.Service
}

func NewSystemHandler(reg registry.Service) *SystemHandler {
	return &SystemHandler{registry: reg}
}

// POST /api/pause
func (h *SystemHandler) Pause(c *gin.Context) {
	h.registry.Pause(c.Request.Context())
	response.RespondOK(c, gin.H{"paused": true})
}

// POST /api/resume
func (h *SystemHandler) Resume(c *gin.Context) {
	h.registry.Resume(c.Request.Context())
	response.RespondOK(c, gin.H{"paused": false})
}
