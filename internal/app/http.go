package app

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	httpx "github.com/yungbote/im2-registry/internal/http"
	httpH "github.com/yungbote/im2-registry/internal/http/handlers"
	"github.com/yungbote/im2-registry/internal/observability"
	"github.com/yungbote/im2-registry/internal/platform/logger"
	"github.com/yungbote/im2-registry/internal/registry"
)

type Handlers struct {
	Health *httpH.HealthHandler
	Job    *httpH.JobHandler
	System *httpH.SystemHandler
}

func wireHandlers(log *logger.Logger, svc registry.Service, db *gorm.DB) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health: httpH.NewHealthHandler(db),
		Job:    httpH.NewJobHandler(svc),
		System: httpH.NewSystemHandler(svc),
	}
}

func wireRouter(log *logger.Logger, cfg Config, metrics *observability.Metrics, handlers Handlers) *gin.Engine {
	return httpx.NewRouter(httpx.RouterConfig{
		Log:             log,
		Metrics:         metrics,
		JobHandler:      handlers.Job,
		SystemHandler:   handlers.System,
		HealthHandler:   handlers.Health,
		OTelEnabled:     observability.OTelEnabled(),
		OTelServiceName: cfg.OTelServiceName,
	})
}
