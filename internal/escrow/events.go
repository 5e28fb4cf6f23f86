package escrow

import (
	"encoding/json"
	"time"
)

// Event types. The payment confirmation event is keyed by gateway reference
// so the webhook, the verify poll, and a duplicate webhook delivery all
// collapse to a single audit record.
const (
	EventInitialize        = "paystack.initialize"
	EventWebhookSuccess    = "paystack.webhook.success"
	EventAmountMismatch    = "paystack.amount_mismatch"
	EventLateSuccess       = "paystack.late_success"
	EventDeliveryConfirmed = "delivery_confirmed"
	EventDisputeOpened     = "dispute_opened"
	EventDisputeResolved   = "dispute_resolved"
	EventFundsReleased     = "funds_released_to_seller"
)

// Event is one append-only audit record. Events are never mutated or
// deleted; a disputed or expired order keeps its full history.
type Event struct {
	ID      string `json:"id"`
	OrderID string `json:"orderId"`
	Type    string `json:"type"`

	// Key is the idempotency key. Empty means no dedupe; a non-empty key is
	// unique per order, and appending a duplicate is a silent success.
	Key string `json:"key,omitempty"`

	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// PaymentEventKey derives the idempotency key for a payment confirmation
// from the gateway reference.
func PaymentEventKey(reference string) string {
	return "pay:" + reference
}

// LateSuccessEventKey derives the idempotency key for a payment that
// arrived after the order expired.
func LateSuccessEventKey(reference string) string {
	return "late:" + reference
}
