// Package http exposes the shell-facing REST surface for viewer control.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/infrastructure/tracing"
	"github.com/promptcalc/artifacthost/internal/shared/id"
	"github.com/promptcalc/artifacthost/internal/viewer"
)

// MaxArtifactBytes bounds accepted artifact documents. Generated artifacts
// are single HTML files; anything larger is rejected outright.
const MaxArtifactBytes = 2 << 20

// Handlers contains all HTTP handlers.
type Handlers struct {
	viewers *viewer.Registry
	log     *logging.Logger
	started time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(viewers *viewer.Registry, log *logging.Logger) *Handlers {
	return &Handlers{
		viewers: viewers,
		log:     log.Named("api"),
		started: time.Now(),
	}
}

// Root reports service identity.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "promptcalc-artifact-host",
		"version": "0.1.0",
	})
}

// Health reports liveness and basic state.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "healthy",
		"viewers":          h.viewers.Count(),
		"uptime_seconds":   int(time.Since(h.started).Seconds()),
		"entropy_degraded": id.Default().Degraded(),
	})
}

// CreateViewer provisions a new isolated viewer instance.
func (h *Handlers) CreateViewer(c *gin.Context) {
	v := h.viewers.Create()
	h.log.Info("viewer created", zap.String("viewer_id", v.ID()))

	c.JSON(http.StatusCreated, gin.H{
		"viewer_id": v.ID(),
		"status":    v.Status(),
	})
}

// ListViewers lists live viewer instances.
func (h *Handlers) ListViewers(c *gin.Context) {
	ids := h.viewers.List()
	c.JSON(http.StatusOK, gin.H{
		"viewers": ids,
		"count":   len(ids),
	})
}

type loadRequest struct {
	HTML      string `json:"html" binding:"required"`
	TimeoutMs int    `json:"timeout_ms"`
}

// LoadArtifact hands a new artifact revision to a viewer. Always starts a
// fresh load attempt; any in-flight attempt is superseded.
func (h *Handlers) LoadArtifact(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}

	var req loadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "html is required"})
		return
	}
	if len(req.HTML) > MaxArtifactBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "artifact too large"})
		return
	}

	loadID, err := v.Load(c.Request.Context(), req.HTML, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.replyViewerError(c, err)
		return
	}

	h.log.Info("artifact load started",
		zap.String("viewer_id", v.ID()),
		zap.String("load_id", loadID),
		zap.String("trace_id", tracing.FromContext(c.Request.Context()).String()),
		zap.Int("size_bytes", len(req.HTML)),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"load_id": loadID,
		"status":  v.Status(),
	})
}

// RetryArtifact starts a brand-new load attempt for the current artifact.
// Only valid in error state; rapid retries coalesce.
func (h *Handlers) RetryArtifact(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}

	loadID, err := v.Retry(c.Request.Context())
	if err != nil {
		h.replyViewerError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"load_id": loadID,
		"status":  v.Status(),
	})
}

// GetStatus returns the viewer's status projection.
func (h *Handlers) GetStatus(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}
	c.JSON(http.StatusOK, v.Status())
}

// GetContent returns the document the viewer currently hosts: the
// normalized artifact, or the safe blank page after an error or teardown.
func (h *Handlers) GetContent(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(v.Content()))
}

// GetHistory returns past load attempt records, oldest first.
func (h *Handlers) GetHistory(c *gin.Context) {
	v, ok := h.viewers.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}
	records := v.History()
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// DeleteViewer tears down a viewer instance.
func (h *Handlers) DeleteViewer(c *gin.Context) {
	viewerID := c.Param("id")
	if !h.viewers.Remove(viewerID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "viewer not found"})
		return
	}
	h.log.Info("viewer removed", zap.String("viewer_id", viewerID))
	c.Status(http.StatusNoContent)
}

func (h *Handlers) replyViewerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, viewer.ErrClosed):
		c.JSON(http.StatusGone, gin.H{"error": "viewer is closed"})
	case errors.Is(err, viewer.ErrNotErrored):
		c.JSON(http.StatusConflict, gin.H{"error": "retry is only valid in error state"})
	case errors.Is(err, viewer.ErrNoArtifact):
		c.JSON(http.StatusConflict, gin.H{"error": "no artifact to retry"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
