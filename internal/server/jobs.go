package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aterekhin/sessionlens/internal/analysis"
	"github.com/aterekhin/sessionlens/internal/store"
)

var jobsTracer = otel.Tracer("sessionlens/server")

// JobsHandler serves the analysis job lifecycle: submit, inspect, cancel,
// delete, and the live event stream.
type JobsHandler struct {
	Store         *store.Store
	Orch          *analysis.Orchestrator
	StreamTimeout time.Duration
}

func (h *JobsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
	g.DELETE("/:id", h.delete)
	g.GET("/:id/stream", h.stream)
}

type createJobRequest struct {
	Prompt              string  `json:"prompt"`
	SessionIDs          []int64 `json:"session_ids"`
	ModelName           string  `json:"model_name"`
	ContextSize         int     `json:"context_size"`
	UseAdvancedStrategy bool    `json:"use_advanced_strategy"`
}

func (h *JobsHandler) create(c echo.Context) error {
	var req createJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body")
	}
	jobID, err := h.Orch.Submit(c.Request().Context(), analysis.SubmitRequest{
		Prompt:              req.Prompt,
		SessionIDs:          req.SessionIDs,
		ModelName:           req.ModelName,
		ContextSize:         req.ContextSize,
		UseAdvancedStrategy: req.UseAdvancedStrategy,
	})
	var verr *analysis.ValidationError
	if errors.As(err, &verr) {
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"job_id": jobID})
}

func (h *JobsHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	jobs, err := h.Store.ListAnalysisJobs(c.Request().Context(), store.ListJobsOptions{
		SortBy: c.QueryParam("sort_by"),
		Order:  c.QueryParam("order"),
		Limit:  limit,
		Offset: offset,
	})
	if errors.Is(err, store.ErrInvalidListOptions) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if jobs == nil {
		jobs = []store.AnalysisJob{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"jobs": jobs})
}

type jobDetailResponse struct {
	store.AnalysisJob
	SessionIDs []int64                     `json:"session_ids"`
	Summaries  []store.IntermediateSummary `json:"summaries"`
}

func (h *JobsHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	jobID := c.Param("id")
	job, err := h.Store.GetAnalysisJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	sessionIDs, err := h.Store.JobSessionIDs(ctx, jobID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	summaries, err := h.Store.ListSummariesByJob(ctx, jobID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if summaries == nil {
		summaries = []store.IntermediateSummary{}
	}
	return c.JSON(http.StatusOK, jobDetailResponse{AnalysisJob: job, SessionIDs: sessionIDs, Summaries: summaries})
}

func (h *JobsHandler) cancel(c echo.Context) error {
	err := h.Orch.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, analysis.ErrNotCancelable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": store.JobStatusCanceling})
}

func (h *JobsHandler) delete(c echo.Context) error {
	err := h.Orch.Delete(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	case errors.Is(err, analysis.ErrNotDeletable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"deleted": true})
}

type snapshotPayload struct {
	Job       store.AnalysisJob           `json:"job"`
	Summaries []store.IntermediateSummary `json:"summaries"`
}

// stream serves the job's event stream over SSE. The first frame is always a
// snapshot of the durable state, so a late subscriber can render current
// progress before live events arrive. For terminal jobs the stream closes
// right after the snapshot.
func (h *JobsHandler) stream(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	if h.StreamTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, h.StreamTimeout)
		defer cancel()
	}
	jobID := c.Param("id")
	ctx, span := jobsTracer.Start(ctx, "JobsHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", jobID))
	c.SetRequest(req.WithContext(ctx))

	// Subscribe before reading the snapshot so no event published between
	// the two is lost; events older than the snapshot are harmless.
	events, unsubscribe := h.Orch.Broadcaster().Subscribe(jobID)
	defer unsubscribe()

	job, summaries, err := h.Orch.JobSnapshot(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		span.SetStatus(codes.Error, "job not found")
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	writeFrame := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if summaries == nil {
		summaries = []store.IntermediateSummary{}
	}
	if err := writeFrame("snapshot", snapshotPayload{Job: job, Summaries: summaries}); err != nil {
		span.RecordError(err)
		return nil
	}
	if store.IsTerminalJobStatus(job.Status) {
		return nil
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepalive.C:
			if _, err := resp.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return nil
			}
			if err := writeFrame(ev.Type, ev); err != nil {
				span.RecordError(err)
				return nil
			}
			if ev.Type == analysis.EventStatus && ev.Status != nil && store.IsTerminalJobStatus(*ev.Status) {
				return nil
			}
		}
	}
}
