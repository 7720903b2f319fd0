package control

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/changebell/internal/config"
	"github.com/ppiankov/changebell/internal/logging"
	"github.com/ppiankov/changebell/internal/monitor"
	"github.com/ppiankov/changebell/internal/privacy"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// Handler holds the HTTP handlers of the control API.
type Handler struct {
	monitor Monitor
	history History
	log     logging.Logger
	ctx     context.Context
	wg      sync.WaitGroup
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"checking":  h.monitor.Checking(),
	})
}

// Status returns the monitor snapshot.
func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.Status())
}

// History lists recent notifications, newest first.
func (h *Handler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not available"})
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	deliveries, err := h.history.RecentDeliveries(c.Request.Context(), limit)
	if err != nil {
		h.log.Error("read history failed", logging.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

// Check starts a cycle. With ?wait=true it runs synchronously and returns the
// cycle report; otherwise it returns 202 right away. A running cycle yields 409.
// The cycle runs on the server context, so a client hanging up does not cut
// it short.
func (h *Handler) Check(c *gin.Context) {
	if wait, _ := strconv.ParseBool(c.Query("wait")); wait {
		report, err := h.monitor.CheckNow(h.ctx)
		if errors.Is(err, monitor.ErrCheckInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
		return
	}

	if h.monitor.Checking() {
		c.JSON(http.StatusConflict, gin.H{"error": monitor.ErrCheckInProgress.Error()})
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if _, err := h.monitor.CheckNow(h.ctx); err != nil {
			h.log.Warn("requested check not run", logging.Err(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// TestNotification sends the fixed test notification.
func (h *Handler) TestNotification(c *gin.Context) {
	if err := h.monitor.TestNotification(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

// GetConfig returns the effective configuration. Secrets are not serialized.
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, publicConfig(h.monitor.Config()))
}

// PatchConfig merges a partial configuration, persists and applies it.
func (h *Handler) PatchConfig(c *gin.Context) {
	var patch config.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patch: " + err.Error()})
		return
	}

	cfg, err := h.monitor.UpdateConfig(c.Request.Context(), patch)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, publicConfig(cfg))
}

// publicConfig hides credentials embedded in the ntfy topic URL.
func publicConfig(cfg *config.Config) *config.Config {
	if cfg == nil {
		return nil
	}
	out := cfg.Clone()
	out.Notification.Ntfy.TopicURL = privacy.URL(out.Notification.Ntfy.TopicURL)
	return out
}
