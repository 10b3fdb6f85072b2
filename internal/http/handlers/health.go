package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/http/response"
)

type HealthHandler struct {
	db *gorm.DB
}

func NewHealthHandler(db *gorm.DB) *HealthHandler { return &HealthHandler{db: db} }

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	if c.Query("deep") == "" || h.db == nil {
		c.String(http.StatusOK, "ok")
		return
	}
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		response.RespondError(c, http.StatusServiceUnavailable, string(types.CodeUnavailable), err)
		return
	}
	c.String(http.StatusOK, "ok")
}
