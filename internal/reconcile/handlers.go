package reconcile

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mucyo/paylock/internal/escrow"
	"github.com/mucyo/paylock/internal/metrics"
)

// Handler provides the provider-facing webhook and browser-return endpoints.
type Handler struct {
	service         *Service
	sharedKey       string
	frontendBaseURL string
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, sharedKey, frontendBaseURL string) *Handler {
	return &Handler{service: service, sharedKey: sharedKey, frontendBaseURL: frontendBaseURL}
}

// RegisterRoutes sets up the unauthenticated provider-facing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider", h.Webhook)
	r.GET("/payments/return", h.PaymentReturn)
}

// Webhook handles POST /webhooks/provider.
//
// It always answers 200 once the payload parses: providers retry
// non-200 responses aggressively, and a transaction we can't match or
// apply right now will be settled by the polling sweep anyway. The
// internal outcome is reported in the body and logged.
func (h *Handler) Webhook(c *gin.Context) {
	if h.sharedKey != "" {
		key := c.GetHeader("X-Webhook-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.sharedKey)) != 1 {
			metrics.WebhooksTotal.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid webhook key",
			})
			return
		}
	}

	var n Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		metrics.WebhooksTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid notification body",
		})
		return
	}

	if err := h.service.HandleNotification(c.Request.Context(), n); err != nil {
		metrics.WebhooksTotal.WithLabelValues("failed").Inc()
		h.service.logger.Warn("webhook processing failed",
			"trackingId", n.TrackingID, "merchantReference", n.MerchantReference,
			"type", n.NotificationType, "error", err)
		c.JSON(http.StatusOK, gin.H{"received": true, "processed": false})
		return
	}

	metrics.WebhooksTotal.WithLabelValues("processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true, "processed": true})
}

// PaymentReturn handles GET /payments/return.
//
// The provider sends the payer's browser here after a payment attempt.
// The redirect reflects our current view of the transaction; a fresh
// reconcile is kicked off in the background since the browser often
// arrives before the webhook does.
func (h *Handler) PaymentReturn(c *gin.Context) {
	ref := c.Query("tid")
	if ref == "" {
		ref = c.Query("ref")
	}

	txn, err := h.service.lookup(c.Request.Context(), Notification{
		TrackingID:        ref,
		MerchantReference: ref,
	})
	if err != nil {
		c.Redirect(http.StatusFound, h.frontendBaseURL+"/payment/failed")
		return
	}

	go func() {
		ctx := context.WithoutCancel(c.Request.Context())
		if err := h.service.CheckTransaction(ctx, txn); err != nil {
			h.service.logger.Warn("return-path reconcile failed",
				"transactionId", txn.ID, "error", err)
		}
	}()

	outcome := "pending"
	switch txn.Status {
	case escrow.StatusHeld, escrow.StatusReleased, escrow.StatusProcessing:
		outcome = "success"
	case escrow.StatusFailed, escrow.StatusCancelled:
		outcome = "failed"
	}

	c.Redirect(http.StatusFound, h.frontendBaseURL+"/payment/"+outcome+"?reference="+txn.Reference)
}
