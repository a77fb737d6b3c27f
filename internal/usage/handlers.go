package usage

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/validation"
)

// Handler serves the usage and stats endpoints. Responses use the
// {success, data} envelope.
type Handler struct {
	recorder *Recorder
	stats    *Stats
}

// NewHandler creates a usage handler.
func NewHandler(recorder *Recorder, stats *Stats) *Handler {
	return &Handler{recorder: recorder, stats: stats}
}

// RegisterRoutes mounts the usage routes under /api.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/usage", h.RecordUsage)
	r.GET("/listings/:id/usage", h.ListListingUsage)
	r.GET("/listings/:id/stats", h.GetListingStats)
	r.GET("/usage", h.ListUsage)
	r.GET("/usage/owner/:wallet", h.ListOwnerUsage)
	r.GET("/usage/stats/summary", h.GetSummary)
}

// RecordRequest is the body of POST /api/listings/:id/usage.
type RecordRequest struct {
	UserAddress string     `json:"user_address"`
	Success     *bool      `json:"success"`
	Error       string     `json:"error,omitempty"`
	Cost        money.Text `json:"cost"`
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func limitParam(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	return limit
}

// RecordUsage handles POST /api/listings/:id/usage
func (h *Handler) RecordUsage(c *gin.Context) {
	ctx := c.Request.Context()

	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserAddress == "" || req.Success == nil || req.Cost == "" {
		fail(c, http.StatusBadRequest, "Missing required fields: user_address, success, cost")
		return
	}
	cost, err := money.ParseNonNegative(req.Cost.String())
	if err != nil {
		fail(c, http.StatusBadRequest, "cost must be a non-negative amount")
		return
	}

	event, stats, err := h.recorder.Record(ctx, RecordInput{
		ListingID:    c.Param("id"),
		CallerWallet: req.UserAddress,
		Success:      *req.Success,
		Error:        req.Error,
		Cost:         cost,
	})
	if err != nil {
		if ve, isVal := validation.AsValidation(err); isVal {
			fail(c, http.StatusBadRequest, ve.Error())
			return
		}
		if errors.Is(err, ErrListingNotFound) {
			fail(c, http.StatusNotFound, "API listing not found")
			return
		}
		logging.L(ctx).Error("failed to record usage", "listing", c.Param("id"), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to record usage")
		return
	}

	ok(c, gin.H{"usage": event, "stats": stats})
}

// ListListingUsage handles GET /api/listings/:id/usage
func (h *Handler) ListListingUsage(c *gin.Context) {
	events, err := h.recorder.ListByListing(c.Request.Context(), c.Param("id"), limitParam(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list listing usage", "listing", c.Param("id"), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to fetch usage")
		return
	}
	ok(c, events)
}

// GetListingStats handles GET /api/listings/:id/stats
func (h *Handler) GetListingStats(c *gin.Context) {
	stats, err := h.recorder.ListingStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to get listing stats", "listing", c.Param("id"), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}
	ok(c, stats)
}

// ListUsage handles GET /api/usage
func (h *Handler) ListUsage(c *gin.Context) {
	events, err := h.recorder.List(c.Request.Context(), c.Query("owner"), limitParam(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list usage", "error", err)
		fail(c, http.StatusInternalServerError, "Failed to fetch usage")
		return
	}
	ok(c, events)
}

// ListOwnerUsage handles GET /api/usage/owner/:wallet
func (h *Handler) ListOwnerUsage(c *gin.Context) {
	events, err := h.recorder.ListByOwner(c.Request.Context(), c.Param("wallet"), limitParam(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list owner usage", "owner", c.Param("wallet"), "error", err)
		fail(c, http.StatusInternalServerError, "Failed to fetch usage")
		return
	}
	ok(c, events)
}

// GetSummary handles GET /api/usage/stats/summary
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.stats.Summarize(c.Request.Context(), c.Query("owner"), c.Query("timeRange"))
	if err != nil {
		if errors.Is(err, ErrInvalidTimeRange) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		logging.L(c.Request.Context()).Error("failed to summarize usage", "error", err)
		fail(c, http.StatusInternalServerError, "Failed to fetch stats")
		return
	}
	ok(c, summary)
}
