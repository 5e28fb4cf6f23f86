package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ojamart/escrow-service/internal/escrow"
	"github.com/ojamart/escrow-service/internal/idgen"
)

// Sink adapts the dispatcher to the settlement service's event hook.
// Both parties to the order are notified of every transition.
type Sink struct {
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewSink creates a settlement event sink over the dispatcher.
func NewSink(dispatcher *Dispatcher, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{dispatcher: dispatcher, logger: logger}
}

// SettlementEvent implements escrow.EventSink.
func (s *Sink) SettlementEvent(ctx context.Context, order *escrow.Order, eventType string) {
	data, err := json.Marshal(map[string]any{
		"orderId":          order.ID,
		"status":           order.Status,
		"deliveryStatus":   order.DeliveryStatus,
		"disputeStatus":    order.DisputeStatus,
		"settlementStatus": order.SettlementStatus,
		"totalKobo":        order.TotalKobo,
		"currency":         order.Currency,
	})
	if err != nil {
		return
	}

	msg := &Message{
		ID:        idgen.WithPrefix("msg_"),
		Type:      eventType,
		OrderID:   order.ID,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, userID := range []string{order.BuyerID, order.SellerID} {
		if err := s.dispatcher.DispatchToUser(ctx, userID, msg); err != nil {
			s.logger.Warn("notification dispatch failed",
				"order_id", order.ID, "user_id", userID, "event", eventType, "error", err)
		}
	}
}

var _ escrow.EventSink = (*Sink)(nil)
