package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/validation"
)

// Handler provides HTTP handlers for the registry API
type Handler struct {
	registry *Registry
}

// NewHandler creates a new registry handler
func NewHandler(r *Registry) *Handler {
	return &Handler{registry: r}
}

// RegisterRoutes sets up the public registry routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/apis", h.ListAPIs)
	r.DELETE("/apis/:slug", auth.RequireWallet(), h.DeregisterAPI)
}

// RegisterAdminRoutes sets up routes guarded by the admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/register", h.RegisterAPI)
}

// RegisterRequest is the payload for registering an API
type RegisterRequest struct {
	Slug            string     `json:"slug"`
	OriginalBaseURL string     `json:"originalBaseUrl"`
	PricePerCall    money.Text `json:"pricePerCall"`
	Owner           string     `json:"owner"`
	APIID           string     `json:"apiId"`
	Name            string     `json:"name,omitempty"`
}

// RegisterAPI handles POST /gateway/register
func (h *Handler) RegisterAPI(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	gatewayURL, err := h.registry.Register(ctx, Input{
		Slug:            req.Slug,
		UpstreamBaseURL: req.OriginalBaseURL,
		PricePerCall:    req.PricePerCall.String(),
		OwnerWallet:     req.Owner,
		ListingID:       req.APIID,
		Name:            req.Name,
	})
	if err != nil {
		if ve, ok := validation.AsValidation(err); ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": ve.Error(),
				"fields":  ve.Fields(),
			})
			return
		}
		switch {
		case errors.Is(err, ErrSlugTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "slug_taken",
				"message": "An API with this slug is already registered",
			})
		case errors.Is(err, ErrUnauthorizedOwner):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This slug is registered to a different owner",
			})
		default:
			logger.Error("failed to register api", "slug", req.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		}
		return
	}

	logger.Info("api registered", "slug", req.Slug, "owner", req.Owner, "price", req.PricePerCall.String())
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"gatewayUrl": gatewayURL,
		"message":    "API registered with gateway",
	})
}

// ListAPIs handles GET /gateway/apis
func (h *Handler) ListAPIs(c *gin.Context) {
	apis, err := h.registry.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list apis", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if apis == nil {
		apis = []*Registration{}
	}
	c.JSON(http.StatusOK, gin.H{
		"apis":  apis,
		"count": len(apis),
	})
}

// DeregisterAPI handles DELETE /gateway/apis/:slug
func (h *Handler) DeregisterAPI(c *gin.Context) {
	slug := c.Param("slug")
	err := h.registry.Deregister(c.Request.Context(), slug, auth.GetWallet(c))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "API not found", "slug": slug})
	case errors.Is(err, ErrUnauthorizedOwner):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "You do not own this API.",
		})
	default:
		logging.L(c.Request.Context()).Error("failed to deregister api", "slug", slug, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
