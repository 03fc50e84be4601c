package multisig

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/signing"
	"github.com/mbd888/escrowd/internal/token"
)

// Handler provides HTTP endpoints for multisig wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new multisig handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes. Execution routes need no caller
// authentication: the owner signatures inside the payload are the
// authorization.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.GET("/owners/:address/wallets", h.ListWallets)
	r.POST("/wallets/:id/deposit", h.Deposit)
	r.GET("/wallets/:id/balance", h.Balance)
	r.POST("/wallets/:id/execute", h.ExecuteERC20)
	r.POST("/wallets/:id/execute-split", h.ExecuteERC20Split)
}

// CreateWalletRequest carries the owner set for a new wallet.
type CreateWalletRequest struct {
	Owners []string `json:"owners" binding:"required"`
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "owners is required (three addresses)",
		})
		return
	}

	w, err := h.service.Create(c.Request.Context(), req.Owners)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	id, ok := walletID(c)
	if !ok {
		return
	}
	w, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListWallets handles GET /v1/owners/:address/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	wallets, err := h.service.ListByOwner(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// DepositRequest carries one wallet funding.
type DepositRequest struct {
	From   string `json:"from" binding:"required"`
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/wallets/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	id, ok := walletID(c)
	if !ok {
		return
	}
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "from, token, and amount are required",
		})
		return
	}

	balance, err := h.service.Deposit(c.Request.Context(), id, req.From, req.Token, req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId": id,
		"token":    req.Token,
		"balance":  balance,
	})
}

// Balance handles GET /v1/wallets/:id/balance?token=0x...
func (h *Handler) Balance(c *gin.Context) {
	id, ok := walletID(c)
	if !ok {
		return
	}
	tok := c.Query("token")
	if tok == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token query parameter is required",
		})
		return
	}

	balance, err := h.service.Balance(c.Request.Context(), id, tok)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"walletId": id,
		"token":    tok,
		"balance":  balance,
	})
}

// ExecuteRequest carries one co-signed ERC20 transfer.
type ExecuteRequest struct {
	Token      string   `json:"token" binding:"required"`
	To         string   `json:"to" binding:"required"`
	Amount     string   `json:"amount" binding:"required"`
	Signatures []string `json:"signatures" binding:"required"`
}

// ExecuteERC20 handles POST /v1/wallets/:id/execute
func (h *Handler) ExecuteERC20(c *gin.Context) {
	id, ok := walletID(c)
	if !ok {
		return
	}
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token, to, amount, and signatures are required",
		})
		return
	}

	ex, err := h.service.ExecuteERC20(c.Request.Context(), id, req.Token, req.To, req.Amount, req.Signatures)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": ex})
}

// ExecuteSplitRequest carries one co-signed net-plus-fee transfer.
type ExecuteSplitRequest struct {
	Token      string   `json:"token" binding:"required"`
	To         string   `json:"to" binding:"required"`
	Amount     string   `json:"amount" binding:"required"`
	FeeTo      string   `json:"feeTo" binding:"required"`
	FeeAmount  string   `json:"feeAmount" binding:"required"`
	Signatures []string `json:"signatures" binding:"required"`
}

// ExecuteERC20Split handles POST /v1/wallets/:id/execute-split
func (h *Handler) ExecuteERC20Split(c *gin.Context) {
	id, ok := walletID(c)
	if !ok {
		return
	}
	var req ExecuteSplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "token, to, amount, feeTo, feeAmount, and signatures are required",
		})
		return
	}

	ex, err := h.service.ExecuteERC20Split(c.Request.Context(), id,
		req.Token, req.To, req.Amount, req.FeeTo, req.FeeAmount, req.Signatures)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution": ex})
}

// writeError maps service errors onto HTTP status codes.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWalletNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrDuplicateSigner),
		errors.Is(err, ErrThresholdNotMet),
		errors.Is(err, signing.ErrBadSignature),
		errors.Is(err, signing.ErrNonCanonical):
		status = http.StatusUnauthorized
		code = "authorization_failed"
	case errors.Is(err, ErrExecutionReverted), errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, token.ErrShortTransfer),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance):
		status = http.StatusUnprocessableEntity
		code = "transfer_failed"
	case errors.Is(err, ErrInvalidOwners), errors.Is(err, ErrInvalidAddress),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrAmountOverflow):
		status = http.StatusBadRequest
		code = "invalid_parameter"
	default:
		logging.L(c.Request.Context()).Error("multisig operation failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func walletID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Wallet id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
