package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/pool"
	"github.com/poemonsense/codeassist-gateway/internal/stats"
)

// StatusHandler serves runtime state for the admin surface: pool snapshot
// and usage counters.
type StatusHandler struct {
	pool  *pool.Pool
	stats *stats.Recorder
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(p *pool.Pool, recorder *stats.Recorder) *StatusHandler {
	return &StatusHandler{pool: p, stats: recorder}
}

// PoolStatus handles GET /admin/pool.
func (h *StatusHandler) PoolStatus(c *gin.Context) {
	locked, cooldowns, waiting := h.pool.Status()
	if locked == nil {
		locked = []int64{}
	}
	if cooldowns == nil {
		cooldowns = []pool.CooldownStatus{}
	}
	c.JSON(http.StatusOK, gin.H{
		"locked":    locked,
		"cooldowns": cooldowns,
		"waiting":   waiting,
	})
}

// UsageStats handles GET /admin/stats. Returns the current hour's counters,
// or empty usage when the Redis recorder is not configured.
func (h *StatusHandler) UsageStats(c *gin.Context) {
	now := time.Now()
	usage, err := h.stats.HourlyUsage(c.Request.Context(), now)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"hour":    now.UTC().Format("2006-01-02T15:00Z"),
		"enabled": h.stats != nil,
		"usage":   usage,
	})
}
