package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/events", h.ListEvents)
	r.GET("/escrows/:id/withdrawable/:address", h.GetWithdrawable)
	r.GET("/escrows/:id/nonce/:role", h.GetNonce)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/deposit", h.CreateEscrowAndDeposit)
	r.POST("/escrows/:id/deposit", h.Deposit)
	r.POST("/escrows/:id/confirm", h.ConfirmDelivery)
	r.POST("/escrows/:id/cancel-request", h.RequestCancel)
	r.POST("/escrows/:id/cancel-timeout", h.CancelByTimeout)
	r.POST("/escrows/:id/dispute", h.StartDispute)
	r.POST("/escrows/:id/evidence", h.SubmitEvidence)
	r.POST("/escrows/:id/resolve", h.SubmitArbiterDecision)
}

// RegisterRelayRoutes sets up the signed-action routes. They need no caller
// authentication: the signature inside the payload is the authorization.
func (h *Handler) RegisterRelayRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/confirm-signed", h.ConfirmDeliverySigned)
	r.POST("/escrows/:id/cancel-request-signed", h.RequestCancelSigned)
	r.POST("/escrows/:id/dispute-signed", h.StartDisputeSigned)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyer", req.Buyer),
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAddress("token", req.Token),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// CreateEscrowAndDeposit handles POST /v1/escrows/deposit
func (h *Handler) CreateEscrowAndDeposit(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Only the buyer can commit its own funds in one shot.
	if caller := c.GetString("callerAddr"); !addrEqual(caller, req.Buyer) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be the buyer",
		})
		return
	}

	escrow, err := h.service.CreateAndDeposit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// Deposit handles POST /v1/escrows/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.Deposit(c.Request.Context(), id, caller)
	})
}

// ConfirmDelivery handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.ConfirmDelivery(c.Request.Context(), id, caller)
	})
}

// RequestCancel handles POST /v1/escrows/:id/cancel-request
func (h *Handler) RequestCancel(c *gin.Context) {
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.RequestCancel(c.Request.Context(), id, caller)
	})
}

// CancelByTimeout handles POST /v1/escrows/:id/cancel-timeout
func (h *Handler) CancelByTimeout(c *gin.Context) {
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.CancelByTimeout(c.Request.Context(), id, caller)
	})
}

// StartDispute handles POST /v1/escrows/:id/dispute
func (h *Handler) StartDispute(c *gin.Context) {
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.StartDispute(c.Request.Context(), id, caller)
	})
}

// EvidenceRequest carries a dispute evidence reference.
type EvidenceRequest struct {
	EvidenceHash string `json:"evidenceHash" binding:"required"`
}

// SubmitEvidence handles POST /v1/escrows/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "evidenceHash is required",
		})
		return
	}
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.SubmitEvidence(c.Request.Context(), id, caller, req.EvidenceHash)
	})
}

// ResolveRequest carries the arbiter's decision.
type ResolveRequest struct {
	Resolution     Resolution `json:"resolution" binding:"required"`
	ResolutionHash string     `json:"resolutionHash"`
}

// SubmitArbiterDecision handles POST /v1/escrows/:id/resolve
func (h *Handler) SubmitArbiterDecision(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release_to_seller or refund_to_buyer)",
		})
		return
	}
	h.runAction(c, func(id uint64, caller string) (*Escrow, error) {
		return h.service.SubmitArbiterDecision(c.Request.Context(), id, caller, req.Resolution, req.ResolutionHash)
	})
}

// ConfirmDeliverySigned handles POST /v1/escrows/:id/confirm-signed
func (h *Handler) ConfirmDeliverySigned(c *gin.Context) {
	h.runSignedAction(c, h.service.ConfirmDeliverySigned)
}

// RequestCancelSigned handles POST /v1/escrows/:id/cancel-request-signed
func (h *Handler) RequestCancelSigned(c *gin.Context) {
	h.runSignedAction(c, h.service.RequestCancelSigned)
}

// StartDisputeSigned handles POST /v1/escrows/:id/dispute-signed
func (h *Handler) StartDisputeSigned(c *gin.Context) {
	h.runSignedAction(c, h.service.StartDisputeSigned)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), address, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ListEvents handles GET /v1/escrows/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	events, err := h.service.Events(c.Request.Context(), id, 100)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetWithdrawable handles GET /v1/escrows/:id/withdrawable/:address
func (h *Handler) GetWithdrawable(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	amount, err := h.service.Withdrawable(c.Request.Context(), id, c.Param("address"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawable": amount})
}

// GetNonce handles GET /v1/escrows/:id/nonce/:role
func (h *Handler) GetNonce(c *gin.Context) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	nonce, err := h.service.Nonce(c.Request.Context(), id, c.Param("role"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (h *Handler) runAction(c *gin.Context, fn func(id uint64, caller string) (*Escrow, error)) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	caller := c.GetString("callerAddr") // set by auth middleware

	escrow, err := fn(id, caller)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func (h *Handler) runSignedAction(c *gin.Context, fn func(ctx context.Context, id uint64, req SignedRequest) (*Escrow, error)) {
	id, ok := escrowID(c)
	if !ok {
		return
	}
	var req SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "role and signature are required",
		})
		return
	}

	escrow, err := fn(c.Request.Context(), id, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// writeError maps service errors onto HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, signing.ErrWrongSigner):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrTooEarly), errors.Is(err, ErrEvidenceWindow):
		status = http.StatusConflict
		code = "timing_violation"
	case errors.Is(err, ErrStaleNonce),
		errors.Is(err, signing.ErrBadSignature),
		errors.Is(err, signing.ErrNonCanonical):
		status = http.StatusUnauthorized
		code = "authorization_failed"
	case errors.Is(err, token.ErrShortTransfer),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
		code = "transfer_failed"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrSameParty), errors.Is(err, ErrMaturityOutOfRange),
		errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrBadResolution),
		errors.Is(err, ErrTokenNotAllowed):
		status = http.StatusBadRequest
		code = "invalid_parameter"
	default:
		logging.L(c.Request.Context()).Error("escrow operation failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func escrowID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func addrEqual(a, b string) bool {
	return a != "" && normalizeAddr(a) == normalizeAddr(b)
}
