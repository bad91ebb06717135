package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mirabell/studiopulse/internal/logger"
	"github.com/mirabell/studiopulse/internal/repository"
	"github.com/mirabell/studiopulse/internal/service"
)

// PipelineHandler exposes the run control surface: start, reset, SSE status,
// and run history.
type PipelineHandler struct {
	orchestrator *service.Orchestrator
	hub          *service.Hub
	runs         service.RunStore
	historyLen   int
}

// NewPipelineHandler creates a new pipeline handler.
// Parameters:
//   - orchestrator: run lifecycle owner.
//   - hub: broadcast hub for the SSE stream.
//   - runs: run store for history queries.
//   - historyLen: page size for the runs endpoint.
// Returns:
//   - *PipelineHandler: initialized handler.
func NewPipelineHandler(orchestrator *service.Orchestrator, hub *service.Hub, runs service.RunStore, historyLen int) *PipelineHandler {
	if historyLen <= 0 {
		historyLen = 20
	}
	return &PipelineHandler{
		orchestrator: orchestrator,
		hub:          hub,
		runs:         runs,
		historyLen:   historyLen,
	}
}

// Start triggers a pipeline run.
// Returns 200 with the run ID, or 409 if a run is already active.
func (h *PipelineHandler) Start(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := h.orchestrator.Start(ctx)
	if errors.Is(err, repository.ErrAlreadyRunning) {
		logger.CtxWarn(ctx, "Run request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run is already active"})
		return
	}
	if err != nil {
		logger.CtxError(ctx, "Failed to start run: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	logger.CtxInfo(ctx, "Pipeline run started: run_id=%s, client_ip=%s", runID, c.ClientIP())
	c.JSON(http.StatusOK, gin.H{"jobId": runID})
}

// Reset force-terminates the active run. Always 200; safe when idle.
func (h *PipelineHandler) Reset(c *gin.Context) {
	ctx := c.Request.Context()

	if err := h.orchestrator.Reset(ctx); err != nil {
		logger.CtxError(ctx, "Failed to reset run: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "reset"})
}

// Status streams run progress as Server-Sent Events. The first event is a
// snapshot from durable state so reconnecting clients resynchronize before
// trusting the stream; after a terminal event for the observed run the
// stream ends.
func (h *PipelineHandler) Status(c *gin.Context) {
	jobID := c.Query("jobId")

	// Subscribe before snapshotting so no transition falls in the gap.
	events, cancel := h.hub.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	status, err := h.orchestrator.Status(c.Request.Context(), jobID)
	if err != nil && !errors.Is(err, service.ErrNoRuns) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	watched := jobID
	if status != nil {
		if watched == "" {
			watched = status.Run.ID
		}
		c.SSEvent("snapshot", status)
		c.Writer.Flush()
		if status.Run.ID == watched && status.Run.State.Terminal() {
			// Nothing more will happen for this run.
			return
		}
	}

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if watched != "" && ev.RunID != watched {
				// A reset/start cycle can begin a new run mid-stream;
				// follow it so the page keeps updating.
				if !ev.Type.Terminal() {
					watched = ev.RunID
				} else {
					return true
				}
			}
			c.SSEvent(string(ev.Type), ev.Payload)
			return !ev.Type.Terminal()
		}
	})
}

// Runs returns the bounded run history, newest first.
func (h *PipelineHandler) Runs(c *gin.Context) {
	runs, err := h.runs.Recent(c.Request.Context(), h.historyLen)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
