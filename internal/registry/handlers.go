package registry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for protocol administration.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new registry handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public (read-only) registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/params", h.GetParams)
	r.GET("/tokens", h.ListTokens)
}

// RegisterAdminRoutes sets up owner-only parameter routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tokens", h.SetTokenAllowed)
	r.POST("/fee-rate", h.SetFeeRate)
	r.POST("/min-deposit", h.SetMinDeposit)
	r.POST("/ownership/transfer", h.TransferOwnership)
	r.POST("/ownership/accept", h.AcceptOwnership)
}

// GetParams handles GET /v1/params
func (h *Handler) GetParams(c *gin.Context) {
	p, err := h.registry.Params(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"params": p})
}

// ListTokens handles GET /v1/tokens
func (h *Handler) ListTokens(c *gin.Context) {
	tokens, err := h.registry.ListAllowedTokens(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// SetTokenRequest adds or removes an allowlist entry.
type SetTokenRequest struct {
	Token   string `json:"token" binding:"required"`
	Allowed *bool  `json:"allowed" binding:"required"`
}

// SetTokenAllowed handles POST /v1/admin/tokens
func (h *Handler) SetTokenAllowed(c *gin.Context) {
	var req SetTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token and allowed are required",
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
	caller := c.GetString("callerAddr") // set by auth middleware

	if err := h.registry.SetTokenAllowed(c.Request.Context(), caller, req.Token, *req.Allowed); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": req.Token, "allowed": *req.Allowed})
}

// SetFeeRateRequest updates the delivery fee.
type SetFeeRateRequest struct {
	FeeBps *int64 `json:"feeBps" binding:"required"`
}

// SetFeeRate handles POST /v1/admin/fee-rate
func (h *Handler) SetFeeRate(c *gin.Context) {
	var req SetFeeRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "feeBps is required",
		})
		return
	}
	caller := c.GetString("callerAddr")

	if err := h.registry.SetFeeBps(c.Request.Context(), caller, *req.FeeBps); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeBps": *req.FeeBps})
}

// SetMinDepositRequest updates the deposit floor.
type SetMinDepositRequest struct {
	MinDeposit string `json:"minDeposit" binding:"required"`
}

// SetMinDeposit handles POST /v1/admin/min-deposit
func (h *Handler) SetMinDeposit(c *gin.Context) {
	var req SetMinDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "minDeposit is required",
		})
		return
	}
	if req.MinDeposit != "0" {
		if errs := validation.Validate(validation.ValidAmount("minDeposit", req.MinDeposit)); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
			})
			return
		}
	}
	caller := c.GetString("callerAddr")

	if err := h.registry.SetMinDeposit(c.Request.Context(), caller, req.MinDeposit); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"minDeposit": req.MinDeposit})
}

// TransferOwnershipRequest nominates a new protocol owner.
type TransferOwnershipRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

// TransferOwnership handles POST /v1/admin/ownership/transfer
func (h *Handler) TransferOwnership(c *gin.Context) {
	var req TransferOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "newOwner is required",
		})
		return
	}
	caller := c.GetString("callerAddr")

	if err := h.registry.TransferOwnership(c.Request.Context(), caller, req.NewOwner); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pendingOwner": req.NewOwner})
}

// AcceptOwnership handles POST /v1/admin/ownership/accept
func (h *Handler) AcceptOwnership(c *gin.Context) {
	caller := c.GetString("callerAddr")

	if err := h.registry.AcceptOwnership(c.Request.Context(), caller); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner": caller})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotPendingOwner):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrFeeTooHigh):
		status = http.StatusBadRequest
		code = "invalid_parameter"
	default:
		logging.L(c.Request.Context()).Error("registry operation failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
