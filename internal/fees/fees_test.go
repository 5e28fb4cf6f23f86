package fees

import (
	"errors"
	"testing"
)

func TestCalculate_Table(t *testing.T) {
	cases := []struct {
		name     string
		subtotal int64
		tier     Tier
		wantFee  int64
	}{
		{"free percent dominates", 100000, TierFree, 3000},
		{"free minimum dominates", 10000, TierFree, 500},
		{"pro percent", 100000, TierPro, 2500},
		{"pro minimum", 1000, TierPro, 400},
		{"premium percent", 200000, TierPremium, 4000},
		{"institution percent", 1000000, TierInstitution, 15000},
		{"admin percent", 1000000, TierAdmin, 10000},
		{"admin minimum", 5000, TierAdmin, 200},
		{"unknown tier uses free row", 100000, Tier("vip"), 3000},
		{"empty tier uses free row", 10000, Tier(""), 500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := Calculate(tc.subtotal, tc.tier)
			if err != nil {
				t.Fatalf("Calculate failed: %v", err)
			}
			if q.FeeKobo != tc.wantFee {
				t.Errorf("fee = %d, want %d", q.FeeKobo, tc.wantFee)
			}
			if q.TotalKobo != tc.subtotal+tc.wantFee {
				t.Errorf("total = %d, want %d", q.TotalKobo, tc.subtotal+tc.wantFee)
			}
		})
	}
}

func TestCalculate_RejectsNonPositive(t *testing.T) {
	for _, amount := range []int64{0, -1, -100000} {
		if _, err := Calculate(amount, TierFree); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Calculate(%d) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestCalculate_FloorRounding(t *testing.T) {
	// 33333 * 300 / 10000 = 999.99 → floors to 999, below the 500 minimum? No:
	// 999 > 500, so the floored percentage wins.
	q, err := Calculate(33333, TierFree)
	if err != nil {
		t.Fatalf("Calculate failed: %v", err)
	}
	if q.FeeKobo != 999 {
		t.Errorf("fee = %d, want 999 (floor of 999.99)", q.FeeKobo)
	}
}

func TestParseTier(t *testing.T) {
	if got := ParseTier("premium"); got != TierPremium {
		t.Errorf("ParseTier(premium) = %s", got)
	}
	if got := ParseTier("gold"); got != TierFree {
		t.Errorf("ParseTier(gold) = %s, want free", got)
	}
}
