package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	jobsrepo "github.com/yungbote/im2-registry/internal/data/repos/jobs"
	types "github.com/yungbote/im2-registry/internal/domain/jobs"
	"github.com/yungbote/im2-registry/internal/http/response"
	"github.com/yungbote/im2-registry/internal/registry"
)

type JobHandler struct {
	registry registry.Service
}

func NewJobHandler(reg registry.Service) *JobHandler {
	return &JobHandler{registry: reg}
}

type createJobRequest struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	SourceRef   string         `json:"source_ref"`
	DisplayName string         `json:"display_name"`
	EngineHint  string         `json:"engine_hint"`
	TraceID     string         `json:"trace_id"`
	Bag         map[string]any `json:"bag"`
}

// POST /api/jobs
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	job, err := h.registry.Create(c.Request.Context(), registry.CreateInput{
		ID:          strings.TrimSpace(req.ID),
		Owner:       strings.TrimSpace(req.Owner),
		SourceRef:   strings.TrimSpace(req.SourceRef),
		DisplayName: strings.TrimSpace(req.DisplayName),
		EngineHint:  strings.TrimSpace(req.EngineHint),
		TraceID:     strings.TrimSpace(req.TraceID),
		Bag:         req.Bag,
	})
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/jobs/:id/history
func (h *JobHandler) GetJobHistory(c *gin.Context) {
	entries, err := h.registry.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"history": entries})
}

// GET /api/jobs
func (h *JobHandler) ListJobs(c *gin.Context) {
	f := jobsrepo.ListFilter{Owner: strings.TrimSpace(c.Query("owner"))}

	for _, raw := range c.QueryArray("stage") {
		stages, err := types.ParseStages(raw)
		if err != nil {
			response.RespondServiceError(c, err)
			return
		}
		f.Stages = append(f.Stages, stages...)
	}

	var err error
	if f.CreatedAfter, err = timeQuery(c, "created_after"); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	if f.CreatedBefore, err = timeQuery(c, "created_before"); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	if f.Limit, err = intQuery(c, "limit", 0); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	if f.Offset, err = intQuery(c, "offset", 0); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}

	jobs, err := h.registry.List(c.Request.Context(), f)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

// GET /api/jobs/candidates
func (h *JobHandler) ListCandidates(c *gin.Context) {
	stage, err := types.ParseStage(c.Query("stage"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	jobs, err := h.registry.Candidates(c.Request.Context(), stage, strings.TrimSpace(c.Query("engine")), limit)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"jobs": jobs})
}

type updateJobRequest struct {
	Stage string         `json:"stage"`
	Bag   map[string]any `json:"bag"`
	Error string         `json:"error"`
}

// PUT /api/jobs/:id
func (h *JobHandler) UpdateJob(c *gin.Context) {
	var req updateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	target, err := types.ParseStage(req.Stage)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	job, err := h.registry.Transition(c.Request.Context(), c.Param("id"), target, req.Bag, strings.TrimSpace(req.Error))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

type claimJobRequest struct {
	FromStage string `json:"from_stage"`
	ToStage   string `json:"to_stage"`
}

// POST /api/jobs/:id/claim
func (h *JobHandler) ClaimJob(c *gin.Context) {
	var req claimJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, string(types.CodeBadRequest), err)
		return
	}
	from, err := types.ParseStage(req.FromStage)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	to, err := types.ParseStage(req.ToStage)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	job, err := h.registry.Claim(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/retry
func (h *JobHandler) RetryJob(c *gin.Context) {
	job, err := h.registry.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// POST /api/jobs/:id/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	job, err := h.registry.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"job": job})
}

// GET /api/stats
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		response.RespondServiceError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"stats": stats})
}

func timeQuery(c *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
