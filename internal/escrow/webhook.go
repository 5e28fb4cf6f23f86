package escrow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ojamart/escrow-service/internal/metrics"
	"github.com/ojamart/escrow-service/internal/paystack"
)

// WebhookHandler receives Paystack event deliveries.
//
// Authentication is the HMAC-SHA512 signature over the raw body, keyed with
// the Paystack secret. A bad signature is rejected with 401 and touches
// nothing. An authentic event always gets 200 regardless of the internal
// outcome; anything else makes Paystack retry-storm the endpoint.
type WebhookHandler struct {
	service *Service
	secret  string
	logger  *slog.Logger
}

// NewWebhookHandler creates the Paystack webhook handler.
func NewWebhookHandler(service *Service, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{service: service, secret: secret, logger: logger}
}

// RegisterRoutes sets up the webhook route. Not bearer-authenticated.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/paystack/webhook", h.Receive)
}

// webhookEvent is the envelope Paystack posts.
type webhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"`
		Status    string `json:"status"`
	} `json:"data"`
}

// Receive handles POST /v1/paystack/webhook
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		metrics.GatewayWebhooksTotal.WithLabelValues("unreadable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	if !paystack.ValidSignature(h.secret, body, c.GetHeader(paystack.SignatureHeader)) {
		metrics.GatewayWebhooksTotal.WithLabelValues("invalid_signature").Inc()
		h.logger.Warn("webhook signature rejected", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "invalid signature"})
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		// Authentic but malformed; acknowledge so Paystack doesn't retry.
		metrics.GatewayWebhooksTotal.WithLabelValues("malformed").Inc()
		h.logger.Warn("webhook body unparseable", "error", err)
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}

	switch event.Event {
	case "charge.success":
		h.handleChargeSuccess(c, event, body)
	default:
		metrics.GatewayWebhooksTotal.WithLabelValues("ignored").Inc()
		h.logger.Debug("webhook event ignored", "event", event.Event)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *WebhookHandler) handleChargeSuccess(c *gin.Context, event webhookEvent, body []byte) {
	_, funded, err := h.service.ConfirmPayment(c.Request.Context(),
		event.Data.Reference, event.Data.Amount, body, "webhook")

	outcome := "confirmed"
	switch {
	case err == nil && !funded:
		outcome = "duplicate"
	case errors.Is(err, ErrAmountMismatch):
		outcome = "amount_mismatch"
	case errors.Is(err, ErrOrderNotFound):
		outcome = "unknown_reference"
	case errors.Is(err, ErrInvalidState):
		outcome = "late"
	case err != nil:
		outcome = "error"
		h.logger.Error("webhook confirmation failed",
			"reference", event.Data.Reference, "error", err)
	}
	metrics.GatewayWebhooksTotal.WithLabelValues(outcome).Inc()
}
