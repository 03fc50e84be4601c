package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/registry"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for withdrawals.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public (read-only) ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/withdrawable/:token", h.GetAggregate)
}

// RegisterProtectedRoutes sets up authenticated withdrawal routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id", h.Withdraw)
	r.POST("/withdrawals", h.WithdrawAll)
}

// RegisterAdminRoutes sets up the owner-only fee withdrawal route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/fees/withdraw", h.WithdrawFees)
}

// Withdraw handles POST /v1/withdrawals/:id. It pays out the caller's credit
// for one escrow.
func (h *Handler) Withdraw(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow id must be a positive integer",
		})
		return
	}
	caller := c.GetString("callerAddr") // set by auth middleware

	w, err := h.ledger.Withdraw(c.Request.Context(), id, caller)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		h.writeError(c, err)
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// WithdrawAllRequest names the token to sweep credits for.
type WithdrawAllRequest struct {
	Token string `json:"token" binding:"required"`
}

// WithdrawAll handles POST /v1/withdrawals. It pays out every credit the
// caller holds for one token in a single transfer.
func (h *Handler) WithdrawAll(c *gin.Context) {
	var req WithdrawAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}
	if !validation.IsValidEthAddress(req.Token) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "token must be a valid address",
		})
		return
	}
	caller := c.GetString("callerAddr")

	w, err := h.ledger.WithdrawAll(c.Request.Context(), caller, req.Token)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("failed").Inc()
		h.writeError(c, err)
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// WithdrawFees handles POST /v1/admin/fees/withdraw. Owner only.
func (h *Handler) WithdrawFees(c *gin.Context) {
	var req WithdrawAllRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token is required",
		})
		return
	}
	caller := c.GetString("callerAddr")

	w, err := h.ledger.WithdrawFees(c.Request.Context(), caller, req.Token)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// GetAggregate handles GET /v1/parties/:address/withdrawable/:token
func (h *Handler) GetAggregate(c *gin.Context) {
	amount, err := h.ledger.Aggregate(c.Request.Context(), c.Param("address"), c.Param("token"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawable": amount})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNothingToWithdraw):
		status = http.StatusNotFound
		code = "nothing_to_withdraw"
	case errors.Is(err, registry.ErrNotOwner):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrUnknownToken), errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_parameter"
	default:
		logging.L(c.Request.Context()).Error("withdrawal failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
