package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/reconciliation"
)

// APICounter counts registrations.
type APICounter interface {
	Count(ctx context.Context) (int, error)
}

// Reconciler runs reconciliation passes on demand.
type Reconciler interface {
	RunAll(ctx context.Context) (*reconciliation.Report, error)
	Last() *reconciliation.Report
}

// Handler provides the gateway's own endpoints.
type Handler struct {
	router     *Router
	apis       APICounter
	reconciler Reconciler
}

// NewHandler creates a gateway handler. reconciler may be nil.
func NewHandler(router *Router, apis APICounter, reconciler Reconciler) *Handler {
	return &Handler{router: router, apis: apis, reconciler: reconciler}
}

// RegisterRoutes sets up the public gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.Health)
}

// RegisterAdminRoutes sets up routes guarded by the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Reconcile)
	r.GET("/admin/reconcile", h.LastReconcile)
}

// Health handles GET /gateway/health
func (h *Handler) Health(c *gin.Context) {
	n, err := h.apis.Count(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("count registrations failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	body := gin.H{
		"status":         "healthy",
		"registeredApis": n,
		"timestamp":      time.Now().UTC(),
	}
	if h.router != nil {
		body["settlementMode"] = h.router.Mode()
		if h.router.breaker != nil {
			body["openCircuits"] = h.router.breaker.TrippedKeys()
		}
	}
	c.JSON(http.StatusOK, body)
}

// Reconcile handles POST /gateway/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Reconciliation is not enabled",
		})
		return
	}

	report, err := h.reconciler.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// LastReconcile handles GET /gateway/admin/reconcile
func (h *Handler) LastReconcile(c *gin.Context) {
	var report *reconciliation.Report
	if h.reconciler != nil {
		report = h.reconciler.Last()
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}
