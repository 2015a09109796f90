package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mucyo/paylock/internal/auth"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:userId", h.GetWallet)
	r.GET("/wallets/:userId/entries", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:userId/adjust", h.Adjust)
}

// GetWallet handles GET /v1/wallets/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.service.Balance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetHistory handles GET /v1/wallets/:userId/entries
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.service.History(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// AdjustRequest contains the parameters for a manual balance adjustment.
type AdjustRequest struct {
	Amount int64  `json:"amount" binding:"required"` // signed, minor units
	Reason string `json:"reason" binding:"required"`
}

// Adjust handles POST /v1/admin/wallets/:userId/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and reason are required",
		})
		return
	}

	actor := auth.ActorFrom(c)
	entry, err := h.service.Adjust(c.Request.Context(), c.Param("userId"), req.Amount, req.Reason, actor.ID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidAmount):
			status = http.StatusBadRequest
			code = "invalid_amount"
		case errors.Is(err, ErrInsufficientBalance):
			status = http.StatusConflict
			code = "insufficient_balance"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry})
}
