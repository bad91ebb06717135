package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mirabell/studiopulse/internal/service"
)

// FreshnessHandler serves the read-only freshness snapshot.
type FreshnessHandler struct {
	reporter *service.FreshnessReporter
}

// NewFreshnessHandler creates a new freshness handler.
func NewFreshnessHandler(reporter *service.FreshnessReporter) *FreshnessHandler {
	return &FreshnessHandler{reporter: reporter}
}

// Snapshot returns the current freshness view.
func (h *FreshnessHandler) Snapshot(c *gin.Context) {
	snapshot, err := h.reporter.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
