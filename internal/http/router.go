package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/im2-registry/internal/http/handlers"
	httpMW "github.com/yungbote/im2-registry/internal/http/middleware"
	"github.com/yungbote/im2-registry/internal/observability"
	"github.com/yungbote/im2-registry/internal/platform/logger"
)

type RouterConfig struct {
	Log     *logger.Logger
	Metrics *observability.Metrics

	JobHandler    *httpH.JobHandler
	SystemHandler *httpH.SystemHandler
	HealthHandler *httpH.HealthHandler

	OTelEnabled     bool
	OTelServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// otelgin goes first so the trace middleware can pick up its span context.
	if cfg.OTelEnabled {
		r.Use(otelgin.Middleware(cfg.OTelServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	r.Use(httpMW.Metrics(cfg.Metrics))

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Jobs
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.CreateJob)
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/candidates", cfg.JobHandler.ListCandidates)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/jobs/:id/history", cfg.JobHandler.GetJobHistory)
			api.PUT("/jobs/:id", cfg.JobHandler.UpdateJob)
			api.POST("/jobs/:id/claim", cfg.JobHandler.ClaimJob)
			api.POST("/jobs/:id/retry", cfg.JobHandler.RetryJob)
			api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			api.GET("/stats", cfg.JobHandler.GetStats)
		}

		// Pipeline control
		if cfg.SystemHandler != nil {
			api.POST("/pause", cfg.SystemHandler.Pause)
			api.POST("/resume", cfg.SystemHandler.Resume)
		}
	}

	return r
}
