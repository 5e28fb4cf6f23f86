// Package fees computes escrow service fees.
//
// All amounts are kobo (minor units of the Naira). The fee schedule is a
// fixed table keyed by the buyer's membership tier: a percentage in basis
// points plus a per-tier minimum. Higher tiers pay a lower rate and a lower
// minimum. The fee is computed exactly once, at order creation, and the
// resulting total is immutable for the life of the order.
package fees

import (
	"errors"
	"fmt"
)

// ErrInvalidAmount is returned for a non-positive principal.
var ErrInvalidAmount = errors.New("fees: amount must be a positive number of kobo")

// Tier identifies a buyer's membership tier.
type Tier string

const (
	TierFree        Tier = "free"
	TierPro         Tier = "pro"
	TierPremium     Tier = "premium"
	TierInstitution Tier = "institution"
	TierAdmin       Tier = "admin"
)

// schedule is a (rate, minimum) pair for one tier.
type schedule struct {
	bps     int64 // fee rate in basis points of the principal
	minKobo int64 // fee floor in kobo
}

// rateTable is the canonical fee schedule. Unknown tiers fall back to the
// free row, which is the most conservative (highest rate, highest minimum).
var rateTable = map[Tier]schedule{
	TierFree:        {bps: 300, minKobo: 500},
	TierPro:         {bps: 250, minKobo: 400},
	TierPremium:     {bps: 200, minKobo: 300},
	TierInstitution: {bps: 150, minKobo: 250},
	TierAdmin:       {bps: 100, minKobo: 200},
}

// Quote is the result of a fee calculation.
type Quote struct {
	SubtotalKobo int64 `json:"subtotalKobo"`
	FeeKobo      int64 `json:"feeKobo"`
	TotalKobo    int64 `json:"totalKobo"`
}

// Calculate returns the fee quote for a principal amount and buyer tier.
func Calculate(subtotalKobo int64, tier Tier) (Quote, error) {
	if subtotalKobo <= 0 {
		return Quote{}, fmt.Errorf("%w: got %d", ErrInvalidAmount, subtotalKobo)
	}

	sched, ok := rateTable[tier]
	if !ok {
		sched = rateTable[TierFree]
	}

	fee := subtotalKobo * sched.bps / 10000
	if fee < sched.minKobo {
		fee = sched.minKobo
	}

	return Quote{
		SubtotalKobo: subtotalKobo,
		FeeKobo:      fee,
		TotalKobo:    subtotalKobo + fee,
	}, nil
}

// ParseTier normalizes a raw tier string, falling back to free for anything
// it does not recognize.
func ParseTier(raw string) Tier {
	switch Tier(raw) {
	case TierFree, TierPro, TierPremium, TierInstitution, TierAdmin:
		return Tier(raw)
	}
	return TierFree
}
