package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ojamart/escrow-service/internal/catalog"
	"github.com/ojamart/escrow-service/internal/fees"
	"github.com/ojamart/escrow-service/internal/idgen"
	"github.com/ojamart/escrow-service/internal/identity"
	"github.com/ojamart/escrow-service/internal/metrics"
	"github.com/ojamart/escrow-service/internal/paystack"
	"github.com/ojamart/escrow-service/internal/validation"
)

// Gateway abstracts the payment provider so the service doesn't depend on a
// concrete HTTP client.
type Gateway interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (*paystack.Checkout, error)
	Verify(ctx context.Context, reference string) (*paystack.VerifyResult, error)
}

// EventSink receives settlement events for fan-out (notifications).
// Delivery is fire-and-forget; the settlement outcome never depends on it.
type EventSink interface {
	SettlementEvent(ctx context.Context, order *Order, eventType string)
}

// Config holds the service's business parameters.
type Config struct {
	// MinOrderKobo is the smallest principal eligible for escrow.
	MinOrderKobo int64
	// Currency is the only supported settlement currency.
	Currency string
	// CallbackURL is where Paystack redirects the buyer after checkout.
	CallbackURL string
	// ExpireAfter is how long an unpaid order stays claimable.
	ExpireAfter time.Duration
}

// Service implements the settlement state machine.
type Service struct {
	store    Store
	gateway  Gateway
	catalog  catalog.Store
	resolver *identity.Resolver
	dir      identity.Directory
	cfg      Config
	sink     EventSink
	logger   *slog.Logger

	now func() time.Time // test hook
}

// NewService creates the settlement service.
func NewService(store Store, gateway Gateway, cat catalog.Store, dir identity.Directory, resolver *identity.Resolver, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		catalog:  cat,
		resolver: resolver,
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithSink adds a settlement event sink for notification fan-out.
func (s *Service) WithSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// Create opens a new escrow order for a product: validates the parties and
// the principal, computes the fee for the buyer's effective tier, initializes
// a Paystack checkout for the total, and persists the order as initialized.
//
// The principal floor is checked before any gateway call is made.
func (s *Service) Create(ctx context.Context, buyerID, buyerEmail string, claims *identity.Claims, productID, currency string) (*Order, error) {
	if buyerID == "" || buyerEmail == "" {
		return nil, fmt.Errorf("%w: missing buyer identity", ErrValidation)
	}
	if !validation.IsValidEmail(buyerEmail) {
		return nil, fmt.Errorf("%w: invalid buyer email", ErrValidation)
	}
	if productID == "" {
		return nil, fmt.Errorf("%w: product_id is required", ErrValidation)
	}
	if currency == "" {
		currency = s.cfg.Currency
	}
	if currency != s.cfg.Currency {
		return nil, fmt.Errorf("%w: only %s is supported", ErrValidation, s.cfg.Currency)
	}

	product, err := s.catalog.ProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.Active {
		return nil, fmt.Errorf("%w: product is no longer available", ErrValidation)
	}
	if product.SellerID == buyerID {
		return nil, fmt.Errorf("%w: you cannot escrow your own product", ErrValidation)
	}
	if product.PriceKobo < s.cfg.MinOrderKobo {
		return nil, fmt.Errorf("%w: escrow requires a minimum of %d kobo", ErrValidation, s.cfg.MinOrderKobo)
	}

	tier := s.resolver.EffectiveTier(ctx, buyerID, claims)
	quote, err := fees.Calculate(product.PriceKobo, tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	reference := idgen.WithPrefix("esc_")
	checkout, err := s.gateway.Initialize(ctx, paystack.InitializeRequest{
		Email:       buyerEmail,
		AmountKobo:  quote.TotalKobo,
		Currency:    currency,
		Reference:   reference,
		CallbackURL: s.cfg.CallbackURL,
		Metadata:    map[string]string{"product_id": productID, "buyer_id": buyerID},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: checkout initialization failed: %v", ErrUpstream, err)
	}

	now := s.now()
	order := &Order{
		ID:        idgen.WithPrefix("ord_"),
		BuyerID:   buyerID,
		SellerID:  product.SellerID,
		ProductID: product.ID,
		Snapshot: ProductSnapshot{
			Title:     product.Title,
			PriceKobo: product.PriceKobo,
			Location:  product.Location,
		},
		SubtotalKobo:     quote.SubtotalKobo,
		FeeKobo:          quote.FeeKobo,
		TotalKobo:        quote.TotalKobo,
		Currency:         currency,
		Status:           StatusInitialized,
		DeliveryStatus:   DeliveryPending,
		DisputeStatus:    DisputeNone,
		SettlementStatus: SettlementPending,
		Reference:        checkout.Reference,
		AuthorizationURL: checkout.AuthorizationURL,
		AccessCode:       checkout.AccessCode,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("escrow: storing order: %w", err)
	}

	s.appendEvent(ctx, order.ID, EventInitialize, "", map[string]any{
		"reference":   order.Reference,
		"amount":      order.TotalKobo,
		"tier":        string(tier),
		"access_code": order.AccessCode,
	})
	metrics.SettlementTransitionsTotal.WithLabelValues("created").Inc()

	s.logger.Info("escrow order created",
		"order_id", order.ID, "reference", order.Reference,
		"subtotal", order.SubtotalKobo, "fee", order.FeeKobo, "total", order.TotalKobo)
	return order, nil
}

// ConfirmPayment marks the order for a gateway reference funded, if the paid
// amount matches the order's immutable total.
//
// This is the single convergence point for the webhook, the verify poll, and
// the reconciliation fallback. It is race-safe and idempotent: the
// initialized→funded transition is status-guarded, so of N concurrent
// confirmations exactly one applies and the rest are no-ops; the audit event
// is keyed by reference, so it is written exactly once.
//
// funded is true only for the invocation that performed the transition.
func (s *Service) ConfirmPayment(ctx context.Context, reference string, amountKobo int64, payload json.RawMessage, source string) (order *Order, funded bool, err error) {
	order, err = s.store.GetByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}

	if amountKobo != order.TotalKobo {
		// Fail closed: no transition, no auto-correction. The event is an
		// operator-facing anomaly for manual reconciliation.
		s.appendEvent(ctx, order.ID, EventAmountMismatch, "", map[string]any{
			"reference": reference,
			"expected":  order.TotalKobo,
			"got":       amountKobo,
			"source":    source,
		})
		metrics.AmountMismatchesTotal.Inc()
		s.logger.Warn("payment amount mismatch",
			"order_id", order.ID, "reference", reference,
			"expected", order.TotalKobo, "got", amountKobo, "source", source)
		return order, false, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, order.TotalKobo, amountKobo)
	}

	now := s.now()
	fundedStatus := StatusFunded
	order, applied, err := s.store.UpdateIf(ctx, order.ID,
		Guard{StatusIn: []Status{StatusInitialized}},
		Patch{Status: &fundedStatus, PaidAt: &now},
	)
	if err != nil {
		return nil, false, err
	}

	if !applied {
		// Lost the race or arrived after another path already confirmed.
		// A payment landing on an expired order is recorded once and left
		// for manual reconciliation, never auto-revived.
		if order.Status == StatusExpired {
			s.appendEvent(ctx, order.ID, EventLateSuccess, LateSuccessEventKey(reference), map[string]any{
				"reference": reference,
				"amount":    amountKobo,
				"source":    source,
			})
			s.logger.Warn("payment confirmed for expired order",
				"order_id", order.ID, "reference", reference, "source", source)
			return order, false, fmt.Errorf("%w: order already expired", ErrInvalidState)
		}
		return order, false, nil
	}

	s.appendEvent(ctx, order.ID, EventWebhookSuccess, PaymentEventKey(reference), map[string]any{
		"reference": reference,
		"amount":    amountKobo,
		"source":    source,
		"raw":       json.RawMessage(payload),
	})
	metrics.SettlementTransitionsTotal.WithLabelValues("funded").Inc()
	s.notify(ctx, order, EventWebhookSuccess)

	s.logger.Info("escrow order funded",
		"order_id", order.ID, "reference", reference, "source", source)
	return order, true, nil
}

// VerifyAndConfirm is the poll path: it asks the gateway for the current
// transaction state and, if paid, converges on ConfirmPayment.
func (s *Service) VerifyAndConfirm(ctx context.Context, reference string) (order *Order, funded bool, err error) {
	if reference == "" {
		return nil, false, fmt.Errorf("%w: reference is required", ErrValidation)
	}

	result, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		return nil, false, fmt.Errorf("%w: verify failed: %v", ErrUpstream, err)
	}
	if !result.Paid {
		order, err = s.store.GetByReference(ctx, reference)
		if err != nil {
			return nil, false, err
		}
		return order, false, nil
	}

	return s.ConfirmPayment(ctx, reference, result.AmountKobo, result.Raw, "poll")
}

// ConfirmDelivery records the buyer's confirmation that the item arrived.
// Buyer-only, funded orders only, no open dispute, and the buyer's profile
// must be complete.
func (s *Service) ConfirmDelivery(ctx context.Context, orderID, callerID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != order.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can confirm delivery", ErrForbidden)
	}
	if err := s.requireCompleteProfile(ctx, callerID); err != nil {
		return nil, err
	}
	if order.Status != StatusFunded || order.DeliveryStatus == DeliveryConfirmed || order.DisputeStatus == DisputeOpen {
		return nil, fmt.Errorf("%w: cannot confirm delivery (status=%s delivery=%s dispute=%s)",
			ErrInvalidState, order.Status, order.DeliveryStatus, order.DisputeStatus)
	}

	confirmed := DeliveryConfirmed
	pending := DeliveryPending
	none := DisputeNone
	order, applied, err := s.store.UpdateIf(ctx, order.ID,
		Guard{StatusIn: []Status{StatusFunded}, DeliveryStatus: &pending, DisputeStatus: &none},
		Patch{DeliveryStatus: &confirmed},
	)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: delivery already confirmed or order changed", ErrInvalidState)
	}

	s.appendEvent(ctx, order.ID, EventDeliveryConfirmed, "", map[string]any{"buyer_id": callerID})
	metrics.SettlementTransitionsTotal.WithLabelValues("delivery_confirmed").Inc()
	s.notify(ctx, order, EventDeliveryConfirmed)

	s.logger.Info("delivery confirmed", "order_id", order.ID, "buyer_id", callerID)
	return order, nil
}

// OpenDispute opens a dispute on a funded, undelivered order. Buyer-only,
// complete profile required, reason must carry enough substance to act on.
func (s *Service) OpenDispute(ctx context.Context, orderID, callerID, reason string) (*Order, error) {
	reason = validation.SanitizeText(reason, validation.MaxReasonLength)
	if utf8.RuneCountInString(reason) < MinDisputeReasonLen {
		return nil, fmt.Errorf("%w: dispute reason must be at least %d characters", ErrValidation, MinDisputeReasonLen)
	}

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != order.BuyerID {
		return nil, fmt.Errorf("%w: only the buyer can open a dispute", ErrForbidden)
	}
	if err := s.requireCompleteProfile(ctx, callerID); err != nil {
		return nil, err
	}
	if order.Status != StatusFunded || order.DeliveryStatus == DeliveryConfirmed || order.DisputeStatus != DisputeNone {
		return nil, fmt.Errorf("%w: cannot dispute (status=%s delivery=%s dispute=%s)",
			ErrInvalidState, order.Status, order.DeliveryStatus, order.DisputeStatus)
	}

	now := s.now()
	open := DisputeOpen
	pending := DeliveryPending
	none := DisputeNone
	order, applied, err := s.store.UpdateIf(ctx, order.ID,
		Guard{StatusIn: []Status{StatusFunded}, DeliveryStatus: &pending, DisputeStatus: &none},
		Patch{DisputeStatus: &open, DisputeReason: &reason, DisputeOpenedAt: &now},
	)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: dispute already open or order changed", ErrInvalidState)
	}

	s.appendEvent(ctx, order.ID, EventDisputeOpened, "", map[string]any{
		"buyer_id": callerID,
		"reason":   reason,
	})
	metrics.SettlementTransitionsTotal.WithLabelValues("dispute_opened").Inc()
	s.notify(ctx, order, EventDisputeOpened)

	s.logger.Info("dispute opened", "order_id", order.ID, "buyer_id", callerID)
	return order, nil
}

// ResolveDispute closes an open dispute with an admin verdict. Exactly one
// of released_at/refunded_at is set, matching the resolution.
func (s *Service) ResolveDispute(ctx context.Context, orderID, adminID string, resolution Resolution, note string) (*Order, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if resolution != ResolutionReleaseToSeller && resolution != ResolutionRefundBuyer {
		return nil, fmt.Errorf("%w: resolution must be %q or %q", ErrValidation, ResolutionReleaseToSeller, ResolutionRefundBuyer)
	}
	note = validation.SanitizeText(note, validation.MaxReasonLength)
	if note != "" && utf8.RuneCountInString(note) < MinDisputeReasonLen {
		return nil, fmt.Errorf("%w: resolution note must be at least %d characters", ErrValidation, MinDisputeReasonLen)
	}

	now := s.now()
	resolved := DisputeResolved
	open := DisputeOpen
	patch := Patch{
		DisputeStatus:         &resolved,
		DisputeResolutionNote: &note,
		Resolution:            &resolution,
		ResolvedAt:            &now,
		SettlementAdminID:     &adminID,
	}
	released := SettlementReleased
	refunded := SettlementRefunded
	if resolution == ResolutionReleaseToSeller {
		patch.SettlementStatus = &released
		patch.ReleasedAt = &now
	} else {
		patch.SettlementStatus = &refunded
		patch.RefundedAt = &now
	}

	order, applied, err := s.store.UpdateIf(ctx, orderID, Guard{DisputeStatus: &open}, patch)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: no open dispute on this order", ErrInvalidState)
	}

	s.appendEvent(ctx, order.ID, EventDisputeResolved, "", map[string]any{
		"admin_id":   adminID,
		"resolution": string(resolution),
		"note":       note,
	})
	metrics.SettlementTransitionsTotal.WithLabelValues("dispute_resolved").Inc()
	s.notify(ctx, order, EventDisputeResolved)

	s.logger.Info("dispute resolved",
		"order_id", order.ID, "admin_id", adminID, "resolution", resolution)
	return order, nil
}

// ReleaseToSeller settles a delivered, undisputed order. Admin-only.
func (s *Service) ReleaseToSeller(ctx context.Context, orderID, adminID string) (*Order, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}

	now := s.now()
	confirmed := DeliveryConfirmed
	none := DisputeNone
	pending := SettlementPending
	released := SettlementReleased
	order, applied, err := s.store.UpdateIf(ctx, orderID,
		Guard{
			StatusIn:         []Status{StatusFunded},
			DeliveryStatus:   &confirmed,
			DisputeStatus:    &none,
			SettlementStatus: &pending,
		},
		Patch{
			SettlementStatus:  &released,
			SettlementAdminID: &adminID,
			ReleasedAt:        &now,
		},
	)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: order is not releasable (needs funded, delivery confirmed, no dispute, not yet settled)", ErrInvalidState)
	}

	s.appendEvent(ctx, order.ID, EventFundsReleased, "", map[string]any{"admin_id": adminID})
	metrics.SettlementTransitionsTotal.WithLabelValues("released").Inc()
	s.notify(ctx, order, EventFundsReleased)

	s.logger.Info("funds released", "order_id", order.ID, "admin_id", adminID)
	return order, nil
}

// ExpireStale bulk-expires orders still initialized past the cutoff.
// Idempotent: a second sweep with the same cutoff expires nothing.
// cutoffMinutes <= 0 uses the configured default.
func (s *Service) ExpireStale(ctx context.Context, cutoffMinutes int) (int, error) {
	age := s.cfg.ExpireAfter
	if cutoffMinutes > 0 {
		age = time.Duration(cutoffMinutes) * time.Minute
	}

	count, err := s.store.ExpireStale(ctx, s.now().Add(-age))
	if err != nil {
		// A failed sweep reports zero rather than a partial count.
		return 0, fmt.Errorf("escrow: expiry sweep: %w", err)
	}
	if count > 0 {
		metrics.ExpiredOrdersTotal.Add(float64(count))
		s.logger.Info("expired stale orders", "count", count, "older_than", age)
	}
	return count, nil
}

// Get returns the order if the caller is a party to it or an admin.
func (s *Service) Get(ctx context.Context, orderID, callerID string) (*Order, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.requirePartyOrAdmin(ctx, order, callerID); err != nil {
		return nil, err
	}
	return order, nil
}

// ListForUser returns the caller's orders, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Events returns the order's audit trail if the caller may see the order.
func (s *Service) Events(ctx context.Context, orderID, callerID string, limit int) ([]*Event, error) {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.requirePartyOrAdmin(ctx, order, callerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListEvents(ctx, orderID, limit)
}

// OpenDisputes lists orders with an open dispute. Admin-only.
func (s *Service) OpenDisputes(ctx context.Context, adminID string, limit int) ([]*Order, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOpenDisputes(ctx, limit)
}

// PendingReleases lists delivered, undisputed orders awaiting release.
// Admin-only.
func (s *Service) PendingReleases(ctx context.Context, adminID string, limit int) ([]*Order, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListPendingReleases(ctx, limit)
}

// requireAdmin re-verifies the admin flag against the directory. A token
// claim is never enough for an admin-only transition.
func (s *Service) requireAdmin(ctx context.Context, userID string) error {
	admin, err := s.resolver.IsAdmin(ctx, userID)
	if err != nil || !admin {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}

func (s *Service) requirePartyOrAdmin(ctx context.Context, order *Order, callerID string) error {
	if order.IsParty(callerID) {
		return nil
	}
	if admin, err := s.resolver.IsAdmin(ctx, callerID); err == nil && admin {
		return nil
	}
	return fmt.Errorf("%w: not a party to this order", ErrForbidden)
}

// requireCompleteProfile blocks fund-affecting buyer actions from accounts
// still carrying a placeholder identity.
func (s *Service) requireCompleteProfile(ctx context.Context, userID string) error {
	profile, err := s.dir.ProfileByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: profile lookup failed", ErrForbidden)
	}
	if !profile.Complete() {
		return ErrProfileIncomplete
	}
	return nil
}

// appendEvent writes an audit record. Event log failures are logged, never
// propagated: the state transition already happened and must stand.
func (s *Service) appendEvent(ctx context.Context, orderID, eventType, key string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		OrderID:   orderID,
		Type:      eventType,
		Key:       key,
		Payload:   raw,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.logger.Error("appending audit event failed",
			"order_id", orderID, "type", eventType, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, order *Order, eventType string) {
	if s.sink != nil {
		s.sink.SettlementEvent(ctx, order, eventType)
	}
}
