package refund

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mucyo/paylock/internal/auth"
	"github.com/mucyo/paylock/internal/escrow"
)

// Handler provides HTTP endpoints for the refund flow.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated refund routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refunds", h.Request)
	r.GET("/refunds/:id", h.Get)
}

// RegisterAdminRoutes sets up admin-only refund routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/refunds", h.List)
	r.POST("/refunds/:id/approve", h.Approve)
	r.POST("/refunds/:id/reject", h.Reject)
}

// Request handles POST /v1/refunds
func (h *Handler) Request(c *gin.Context) {
	var input RequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "transactionId and referenceTime are required",
		})
		return
	}

	actor := auth.ActorFrom(c)
	req, calc, err := h.service.Request(c.Request.Context(), actor.ID, input)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, escrow.ErrTransactionNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlreadyRequested):
			status = http.StatusConflict
			code = "already_requested"
		case errors.Is(err, ErrNotRefundable):
			status = http.StatusConflict
			code = "not_refundable"
		case errors.Is(err, ErrNotCancellable):
			status = http.StatusUnprocessableEntity
			code = "not_cancellable"
		}
		body := gin.H{"error": code, "message": err.Error()}
		if calc != nil {
			body["policy"] = calc
		}
		c.JSON(status, body)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"refund": req, "policy": calc})
}

// Get handles GET /v1/refunds/:id
func (h *Handler) Get(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Refund request not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund": req})
}

// List handles GET /v1/admin/refunds?status=requested
func (h *Handler) List(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusRequested)))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	requests, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"refunds": requests,
		"count":   len(requests),
	})
}

// Approve handles POST /v1/admin/refunds/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	actor := auth.ActorFrom(c)

	req, err := h.service.Approve(c.Request.Context(), c.Param("id"), actor.ID)
	if err != nil {
		h.reviewError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund": req})
}

// RejectRequest contains the parameters for rejecting a refund.
type RejectRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject handles POST /v1/admin/refunds/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var body RejectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	actor := auth.ActorFrom(c)
	req, err := h.service.Reject(c.Request.Context(), c.Param("id"), actor.ID, body.Reason)
	if err != nil {
		h.reviewError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refund": req})
}

func (h *Handler) reviewError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyReviewed):
		status = http.StatusConflict
		code = "already_reviewed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
