package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mr1hm/go-fire-dispatch/internal/broadcast"
	"github.com/mr1hm/go-fire-dispatch/internal/dispatch"
	"github.com/mr1hm/go-fire-dispatch/internal/models"
	"github.com/mr1hm/go-fire-dispatch/internal/repository"
)

// StatusProvider is the read side of the dispatcher.
type StatusProvider interface {
	Status() dispatch.Status
	AtRisk(role models.LayerRole) (dispatch.AtRisk, bool)
}

type Handler struct {
	status      StatusProvider
	runs        repository.RunRepository
	recoveries  repository.RecoveryRepository
	broadcaster *broadcast.Broadcaster
	gatherer    prometheus.Gatherer
}

func NewHandler(status StatusProvider, runs repository.RunRepository, recoveries repository.RecoveryRepository,
	broadcaster *broadcast.Broadcaster, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		status:      status,
		runs:        runs,
		recoveries:  recoveries,
		broadcaster: broadcaster,
		gatherer:    gatherer,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/api/status", h.getStatus)
	r.GET("/api/runs", h.getRuns)
	r.GET("/api/runs/stream", h.streamRuns)
	r.GET("/api/recoveries", h.getRecoveries)
	r.GET("/api/at-risk/:layer", h.getAtRisk)
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Status())
}

func (h *Handler) getRuns(c *gin.Context) {
	filter := parseFilter(c)
	if s := c.Query("status"); s != "" {
		status := models.RunStatus(s)
		if status != models.RunSucceeded && status != models.RunFailed {
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be succeeded or failed"})
			return
		}
		filter.Status = &status
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch dispatch runs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handler) getRecoveries(c *gin.Context) {
	recs, err := h.recoveries.ListRecoveries(c.Request.Context(), parseFilter(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to fetch recoveries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recoveries": recs})
}

// parseFilter reads limit, offset and since. Invalid values are ignored.
func parseFilter(c *gin.Context) repository.Filter {
	filter := repository.Filter{
		Limit: 20,
	}

	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= repository.MaxLimit {
			filter.Limit = lim
		}
	}
	if o := c.Query("offset"); o != "" {
		if off, err := strconv.Atoi(o); err == nil && off >= 0 {
			filter.Offset = off
		}
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.Since = &t
		} else if t, err := time.Parse("2006-01-02", s); err == nil {
			filter.Since = &t
		}
	}

	return filter
}
