// Package escrow implements the order settlement state machine.
//
// Flow:
//  1. Buyer creates an order for a product → fee computed, Paystack checkout
//     initialized, order stored as "initialized"
//  2. Paystack confirms payment (webhook or verify poll) → "funded"
//  3. Buyer confirms delivery → delivery axis flips to "confirmed"
//  4. Admin releases funds to the seller, or a dispute is opened and an admin
//     resolves it (release or refund)
//  5. Orders unpaid past the cutoff are expired by the sweep
//
// Every entry point is an independent stateless invocation; webhook, poll,
// cron, and admin actions may race on the same order. Coordination happens
// entirely through the store's status-guarded conditional update: the losing
// racer's update is a no-op, never a corruption.
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("escrow: order not found")
	ErrForbidden         = errors.New("escrow: caller not allowed to perform this action")
	ErrInvalidState      = errors.New("escrow: transition not allowed from current state")
	ErrValidation        = errors.New("escrow: invalid input")
	ErrAmountMismatch    = errors.New("escrow: paid amount does not match order total")
	ErrUpstream          = errors.New("escrow: payment gateway failure")
	ErrProfileIncomplete = errors.New("escrow: profile incomplete, set your name, phone and city first")
)

// Status is the payment axis of an order.
type Status string

const (
	StatusInitialized Status = "initialized" // created, awaiting payment
	StatusFunded      Status = "funded"      // payment confirmed, amount matched
	StatusExpired     Status = "expired"     // unpaid past the cutoff
)

// DeliveryStatus is the delivery axis, tracked independently of payment.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryConfirmed DeliveryStatus = "confirmed"
)

// DisputeStatus is the dispute axis.
type DisputeStatus string

const (
	DisputeNone     DisputeStatus = "none"
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// SettlementStatus is the fund-movement axis. Released and refunded are
// terminal for the order.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementReleased SettlementStatus = "released"
	SettlementRefunded SettlementStatus = "refunded"
)

// Resolution is an admin's dispute verdict.
type Resolution string

const (
	ResolutionReleaseToSeller Resolution = "release_to_seller"
	ResolutionRefundBuyer     Resolution = "refund_buyer"
)

// MinDisputeReasonLen is the minimum length of a dispute reason or a
// resolution note, in characters.
const MinDisputeReasonLen = 10

// ProductSnapshot is the product as it was at order creation. The live
// product may change or be deleted later; the snapshot is what the parties
// agreed on.
type ProductSnapshot struct {
	Title     string `json:"title"`
	PriceKobo int64  `json:"priceKobo"`
	Location  string `json:"location,omitempty"`
}

// Order is one escrow attempt between a buyer and a seller.
//
// Amounts are immutable after creation; only the status axes, timestamps,
// and gateway linkage fields ever change. Orders are never hard-deleted.
type Order struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyerId"`
	SellerID  string          `json:"sellerId"`
	ProductID string          `json:"productId"`
	Snapshot  ProductSnapshot `json:"productSnapshot"`

	SubtotalKobo int64  `json:"subtotalKobo"`
	FeeKobo      int64  `json:"feeKobo"`
	TotalKobo    int64  `json:"totalKobo"`
	Currency     string `json:"currency"`

	Status           Status           `json:"status"`
	DeliveryStatus   DeliveryStatus   `json:"deliveryStatus"`
	DisputeStatus    DisputeStatus    `json:"disputeStatus"`
	SettlementStatus SettlementStatus `json:"settlementStatus"`

	DisputeReason         string     `json:"disputeReason,omitempty"`
	DisputeOpenedAt       *time.Time `json:"disputeOpenedAt,omitempty"`
	DisputeResolutionNote string     `json:"disputeResolutionNote,omitempty"`
	Resolution            Resolution `json:"resolution,omitempty"`
	ResolvedAt            *time.Time `json:"resolvedAt,omitempty"`

	Reference        string     `json:"reference"`
	AuthorizationURL string     `json:"authorizationUrl,omitempty"`
	AccessCode       string     `json:"accessCode,omitempty"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`

	SettlementAdminID string     `json:"settlementAdminId,omitempty"`
	ReleasedAt        *time.Time `json:"releasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether no further transitions are possible.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusExpired || o.SettlementStatus != SettlementPending
}

// IsParty reports whether userID is the buyer or the seller.
func (o *Order) IsParty(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// Guard qualifies a conditional update. Nil/empty fields are not checked;
// present fields must all match the order's current value for the update
// to apply.
type Guard struct {
	StatusIn         []Status
	DeliveryStatus   *DeliveryStatus
	DisputeStatus    *DisputeStatus
	SettlementStatus *SettlementStatus
}

// Matches reports whether the order satisfies every present guard field.
func (g Guard) Matches(o *Order) bool {
	if len(g.StatusIn) > 0 {
		ok := false
		for _, s := range g.StatusIn {
			if o.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if g.DeliveryStatus != nil && o.DeliveryStatus != *g.DeliveryStatus {
		return false
	}
	if g.DisputeStatus != nil && o.DisputeStatus != *g.DisputeStatus {
		return false
	}
	if g.SettlementStatus != nil && o.SettlementStatus != *g.SettlementStatus {
		return false
	}
	return true
}

// Patch is the set of mutable fields a conditional update may change.
// Nil fields are left untouched. Amounts and party identities are absent
// deliberately; they never change after creation.
type Patch struct {
	Status           *Status
	DeliveryStatus   *DeliveryStatus
	DisputeStatus    *DisputeStatus
	SettlementStatus *SettlementStatus

	DisputeReason         *string
	DisputeOpenedAt       *time.Time
	DisputeResolutionNote *string
	Resolution            *Resolution
	ResolvedAt            *time.Time

	PaidAt            *time.Time
	SettlementAdminID *string
	ReleasedAt        *time.Time
	RefundedAt        *time.Time
}

// apply copies the patch onto the order and bumps UpdatedAt.
func (p Patch) apply(o *Order, now time.Time) {
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.DeliveryStatus != nil {
		o.DeliveryStatus = *p.DeliveryStatus
	}
	if p.DisputeStatus != nil {
		o.DisputeStatus = *p.DisputeStatus
	}
	if p.SettlementStatus != nil {
		o.SettlementStatus = *p.SettlementStatus
	}
	if p.DisputeReason != nil {
		o.DisputeReason = *p.DisputeReason
	}
	if p.DisputeOpenedAt != nil {
		o.DisputeOpenedAt = p.DisputeOpenedAt
	}
	if p.DisputeResolutionNote != nil {
		o.DisputeResolutionNote = *p.DisputeResolutionNote
	}
	if p.Resolution != nil {
		o.Resolution = *p.Resolution
	}
	if p.ResolvedAt != nil {
		o.ResolvedAt = p.ResolvedAt
	}
	if p.PaidAt != nil {
		o.PaidAt = p.PaidAt
	}
	if p.SettlementAdminID != nil {
		o.SettlementAdminID = *p.SettlementAdminID
	}
	if p.ReleasedAt != nil {
		o.ReleasedAt = p.ReleasedAt
	}
	if p.RefundedAt != nil {
		o.RefundedAt = p.RefundedAt
	}
	o.UpdatedAt = now
}

// Store persists orders and their event log.
//
// UpdateIf is the concurrency primitive for the whole package: the patch
// applies atomically only when the guard matches the row's current state,
// otherwise the call is a no-op and applied is false. Two racing confirmers
// see exactly one applied=true between them.
type Store interface {
	Create(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByReference(ctx context.Context, reference string) (*Order, error)
	UpdateIf(ctx context.Context, id string, guard Guard, patch Patch) (order *Order, applied bool, err error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	ListOpenDisputes(ctx context.Context, limit int) ([]*Order, error)
	ListPendingReleases(ctx context.Context, limit int) ([]*Order, error)
	ExpireStale(ctx context.Context, cutoff time.Time) (int, error)

	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, orderID string, limit int) ([]*Event, error)
}
