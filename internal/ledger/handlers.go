package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up the public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balance/:wallet", h.GetBalance)
	r.GET("/ledger/:wallet", h.GetHistory)
}

// RegisterAdminRoutes sets up routes that move money in. The caller wraps
// the group with the admin-secret middleware when one is configured.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/topup", h.TopUp)
}

// TopUpRequest is the body of POST /gateway/topup.
type TopUpRequest struct {
	Wallet    string     `json:"wallet"`
	Amount    money.Text `json:"amount"`
	Reference string     `json:"reference,omitempty"`
}

// TopUp handles POST /gateway/topup
func (h *Handler) TopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	wallet := validation.NormalizeWallet(req.Wallet)
	amountStr := req.Amount.String()
	if errs := validation.Validate(
		validation.Required("wallet", wallet),
		validation.MaxLength("wallet", wallet, validation.MaxWalletLength),
		validation.Required("amount", amountStr),
		validation.ValidAmount("amount", amountStr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"fields":  errs.Fields(),
		})
		return
	}

	amount, _ := money.ParsePositive(amountStr)
	reference := req.Reference
	if reference == "" {
		reference = idgen.WithPrefix("top_")
	}

	newBalance, err := h.ledger.TopUp(c.Request.Context(), wallet, amount, reference)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) || errors.Is(err, ErrInvalidWallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		h.logger.Error("top up failed", "wallet", wallet, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	h.logger.Info("wallet topped up", "wallet", wallet, "amount", money.Format(amount))
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"wallet":     wallet,
		"newBalance": newBalance,
	})
}

// GetBalance handles GET /gateway/balance/:wallet
func (h *Handler) GetBalance(c *gin.Context) {
	wallet := validation.NormalizeWallet(c.Param("wallet"))

	bal, err := h.ledger.Balance(c.Request.Context(), wallet)
	if err != nil {
		if errors.Is(err, ErrInvalidWallet) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
			return
		}
		h.logger.Error("balance lookup failed", "wallet", wallet, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":  wallet,
		"balance": bal.Available,
		"held":    bal.Held,
	})
}

// GetHistory handles GET /gateway/ledger/:wallet
func (h *Handler) GetHistory(c *gin.Context) {
	wallet := validation.NormalizeWallet(c.Param("wallet"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := h.ledger.History(c.Request.Context(), wallet, limit)
	if err != nil {
		h.logger.Error("ledger history failed", "wallet", wallet, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"wallet":  wallet,
		"entries": entries,
		"count":   len(entries),
	})
}
