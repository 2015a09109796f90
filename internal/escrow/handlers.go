package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mucyo/paylock/internal/auth"
	"github.com/mucyo/paylock/internal/validation"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateDeposit)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/users/:userId/transactions", h.ListTransactions)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/refund", h.Refund)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/dispute", h.Dispute)
}

// RegisterAdminRoutes sets up admin-only escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/release", h.BulkRelease)
	r.POST("/transactions/:id/dispute/resolve", h.ResolveDispute)
}

// CreateDeposit handles POST /v1/transactions
func (h *Handler) CreateDeposit(c *gin.Context) {
	var req CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("reference", req.Reference),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidContact("payerContact", req.PayerContact),
	}
	if req.Currency != "" {
		validators = append(validators, validation.ValidCurrencyCode("currency", req.Currency))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.CreateDeposit(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrSameParty):
			status = http.StatusBadRequest
			code = "same_party"
		case errors.Is(err, ErrDuplicateReference):
			status = http.StatusConflict
			code = "duplicate_reference"
		case errors.Is(err, ErrCollectionFailed):
			status = http.StatusBadGateway
			code = "collection_failed"
		}
		body := gin.H{"error": code, "message": err.Error()}
		if txn != nil {
			body["transaction"] = txn
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/users/:userId/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// ReleaseRequest contains the optional parameters for a release.
type ReleaseRequest struct {
	Reason string `json:"reason"`
}

// Release handles POST /v1/transactions/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	_ = c.ShouldBindJSON(&req)

	actor := auth.ActorFrom(c)
	txn, already, err := h.service.Release(c.Request.Context(), c.Param("id"), actor.ID, req.Reason)
	if err != nil {
		h.payoutError(c, txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn, "already": already})
}

// RefundRequest contains the parameters for a refund or cancellation.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/transactions/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.payoutError(c, txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req RefundRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.ActorFrom(c).ID, req.Reason)
	if err != nil {
		h.payoutError(c, txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// DisputeRequest contains the parameters for disputing a transaction.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Dispute handles POST /v1/transactions/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	txn, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.payoutError(c, txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ResolveRequest contains the parameters for resolving a dispute.
type ResolveRequest struct {
	Resolution string `json:"resolution" binding:"required"` // release or refund
}

// ResolveDispute handles POST /v1/admin/transactions/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required (release or refund)",
		})
		return
	}

	txn, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Resolution, auth.ActorFrom(c).ID)
	if err != nil {
		h.payoutError(c, txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// BulkReleaseRequest contains the parameters for a bulk release.
type BulkReleaseRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// BulkRelease handles POST /v1/admin/transactions/release
func (h *Handler) BulkRelease(c *gin.Context) {
	var req BulkReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "ids is required",
		})
		return
	}

	results := h.service.BulkRelease(c.Request.Context(), req.IDs, auth.ActorFrom(c).ID)

	released := 0
	for _, r := range results {
		if r.Error == "" {
			released++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"results":  results,
		"released": released,
		"failed":   len(results) - released,
	})
}

func (h *Handler) payoutError(c *gin.Context, txn *Transaction, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrRefundRequestOpen):
		status = http.StatusConflict
		code = "refund_request_open"
	case errors.Is(err, ErrPayoutPending):
		status = http.StatusAccepted
		code = "payout_pending"
	case errors.Is(err, ErrPayoutFailed):
		status = http.StatusBadGateway
		code = "payout_failed"
	}
	body := gin.H{"error": code, "message": err.Error()}
	if txn != nil {
		body["transaction"] = txn
	}
	c.JSON(status, body)
}
