package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ojamart/escrow-service/internal/catalog"
	"github.com/ojamart/escrow-service/internal/identity"
	"github.com/ojamart/escrow-service/internal/paystack"
)

// fakeGateway records initialize calls and serves canned verify results.
type fakeGateway struct {
	mu          sync.Mutex
	initCalls   []paystack.InitializeRequest
	initErr     error
	verifyPaid  bool
	verifyKobo  int64
	verifyError error
}

func (g *fakeGateway) Initialize(_ context.Context, req paystack.InitializeRequest) (*paystack.Checkout, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initErr != nil {
		return nil, g.initErr
	}
	g.initCalls = append(g.initCalls, req)
	return &paystack.Checkout{
		AuthorizationURL: "https://checkout.paystack.com/" + req.Reference,
		AccessCode:       "ac_" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func (g *fakeGateway) Verify(_ context.Context, reference string) (*paystack.VerifyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.verifyError != nil {
		return nil, g.verifyError
	}
	status := "abandoned"
	if g.verifyPaid {
		status = "success"
	}
	return &paystack.VerifyResult{
		Paid:       g.verifyPaid,
		Status:     status,
		AmountKobo: g.verifyKobo,
		Reference:  reference,
		Raw:        json.RawMessage(`{"status":"` + status + `"}`),
	}, nil
}

func (g *fakeGateway) initCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.initCalls)
}

type fixture struct {
	service *Service
	store   *MemoryStore
	gateway *fakeGateway
	dir     *identity.MemoryDirectory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := identity.NewMemoryDirectory()
	dir.Put(&identity.Profile{ID: "buyer-1", Email: "buyer@example.ng", Name: "Amaka Obi", Phone: "+2348012345678", City: "Lagos"})
	dir.Put(&identity.Profile{ID: "seller-1", Email: "seller@example.ng", Name: "Tunde Bakare", Phone: "+2348087654321", City: "Ibadan"})
	dir.Put(&identity.Profile{ID: "admin-1", Email: "ops@example.ng", Name: "Ops Admin", Phone: "+2348000000000", City: "Abuja", Admin: true})
	dir.Put(&identity.Profile{ID: "bare-1", Email: "bare@example.ng", Name: "New User"})

	cat := catalog.NewMemoryStore()
	cat.Put(&catalog.Product{ID: "prod-1", SellerID: "seller-1", Title: "Refurbished laptop", PriceKobo: 100000, Location: "Lagos", Active: true})
	cat.Put(&catalog.Product{ID: "prod-cheap", SellerID: "seller-1", Title: "Phone case", PriceKobo: 20000, Active: true})
	cat.Put(&catalog.Product{ID: "prod-gone", SellerID: "seller-1", Title: "Sold out", PriceKobo: 100000, Active: false})

	store := NewMemoryStore()
	gateway := &fakeGateway{}
	service := NewService(store, gateway, cat, dir, identity.NewResolver(dir), Config{
		MinOrderKobo: 50000,
		Currency:     "NGN",
		CallbackURL:  "https://ojamart.ng/escrow/callback",
		ExpireAfter:  24 * time.Hour,
	}, nil)

	return &fixture{service: service, store: store, gateway: gateway, dir: dir}
}

func (f *fixture) createOrder(t *testing.T) *Order {
	t.Helper()
	order, err := f.service.Create(context.Background(), "buyer-1", "buyer@example.ng", nil, "prod-1", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return order
}

func (f *fixture) fundOrder(t *testing.T, order *Order) *Order {
	t.Helper()
	funded, ok, err := f.service.ConfirmPayment(context.Background(), order.Reference, order.TotalKobo, nil, "test")
	if err != nil || !ok {
		t.Fatalf("ConfirmPayment failed: ok=%v err=%v", ok, err)
	}
	return funded
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	// free tier: fee = max(500, 3% of 100000) = 3000
	if order.SubtotalKobo != 100000 || order.FeeKobo != 3000 || order.TotalKobo != 103000 {
		t.Errorf("amounts = %d/%d/%d, want 100000/3000/103000",
			order.SubtotalKobo, order.FeeKobo, order.TotalKobo)
	}
	if order.Status != StatusInitialized {
		t.Errorf("status = %s", order.Status)
	}
	if order.DeliveryStatus != DeliveryPending || order.DisputeStatus != DisputeNone || order.SettlementStatus != SettlementPending {
		t.Errorf("axes = %s/%s/%s", order.DeliveryStatus, order.DisputeStatus, order.SettlementStatus)
	}
	if order.SellerID != "seller-1" {
		t.Errorf("seller = %s", order.SellerID)
	}
	if order.Snapshot.Title != "Refurbished laptop" || order.Snapshot.PriceKobo != 100000 {
		t.Errorf("snapshot = %+v", order.Snapshot)
	}
	if order.AuthorizationURL == "" || order.AccessCode == "" || order.Reference == "" {
		t.Error("checkout fields missing")
	}

	if len(f.gateway.initCalls) != 1 {
		t.Fatalf("gateway initialize calls = %d", len(f.gateway.initCalls))
	}
	if got := f.gateway.initCalls[0].AmountKobo; got != 103000 {
		t.Errorf("gateway amount = %d, want 103000 (the total, not the subtotal)", got)
	}

	events, _ := f.store.ListEvents(context.Background(), order.ID, 10)
	if len(events) != 1 || events[0].Type != EventInitialize {
		t.Errorf("expected one initialize event, got %v", events)
	}
}

func TestCreateOrder_SelfTrade(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), "seller-1", "seller@example.ng", nil, "prod-1", "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if f.gateway.initCount() != 0 {
		t.Error("gateway must not be called for a rejected order")
	}
}

func TestCreateOrder_BelowFloor(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), "buyer-1", "buyer@example.ng", nil, "prod-cheap", "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if f.gateway.initCount() != 0 {
		t.Error("floor must be checked before any gateway call")
	}
}

func TestCreateOrder_InvalidEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), "buyer-1", "not-an-email", nil, "prod-1", "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if f.gateway.initCount() != 0 {
		t.Error("gateway must not be called with an invalid email")
	}
}

func TestCreateOrder_InactiveProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), "buyer-1", "buyer@example.ng", nil, "prod-gone", "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCreateOrder_UnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), "buyer-1", "buyer@example.ng", nil, "nope", "")
	if !errors.Is(err, catalog.ErrProductNotFound) {
		t.Errorf("err = %v, want ErrProductNotFound", err)
	}
}

func TestCreateOrder_GatewayFailure(t *testing.T) {
	f := newFixture(t)
	f.gateway.initErr = errors.New("paystack down")

	_, err := f.service.Create(context.Background(), "buyer-1", "buyer@example.ng", nil, "prod-1", "")
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	updated := f.fundOrder(t, order)
	if updated.Status != StatusFunded {
		t.Errorf("status = %s, want funded", updated.Status)
	}
	if updated.PaidAt == nil {
		t.Error("paid_at not set")
	}

	// Second delivery of the same signal: no-op success, no second event.
	again, funded, err := f.service.ConfirmPayment(context.Background(), order.Reference, order.TotalKobo, nil, "webhook")
	if err != nil {
		t.Fatalf("duplicate confirmation errored: %v", err)
	}
	if funded {
		t.Error("duplicate confirmation claimed the transition")
	}
	if again.Status != StatusFunded {
		t.Errorf("status = %s", again.Status)
	}

	countPaymentEvents(t, f.store, order.ID, 1)
}

func TestConfirmPayment_WebhookPollRace(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	const racers = 8
	var wg sync.WaitGroup
	results := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, funded, err := f.service.ConfirmPayment(context.Background(), order.Reference, order.TotalKobo, nil, "race")
			if err != nil {
				t.Errorf("racer %d errored: %v", i, err)
			}
			results[i] = funded
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, won := range results {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("funded transitions = %d, want exactly 1", winners)
	}
	countPaymentEvents(t, f.store, order.ID, 1)
}

func TestConfirmPayment_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	_, _, err := f.service.ConfirmPayment(context.Background(), order.Reference, order.TotalKobo-1, nil, "webhook")
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("err = %v, want ErrAmountMismatch", err)
	}

	got, _ := f.store.Get(context.Background(), order.ID)
	if got.Status != StatusFunded {
		t.Errorf("status changed to %s on mismatch", got.Status)
	}

	mismatches := eventsOfType(t, f.store, order.ID, EventAmountMismatch)
	if mismatches != 1 {
		t.Errorf("mismatch events = %d, want 1", mismatches)
	}
}

func TestConfirmPayment_LateSuccess(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	expired := StatusExpired
	if _, applied, err := f.store.UpdateIf(context.Background(), order.ID,
		Guard{StatusIn: []Status{StatusInitialized}}, Patch{Status: &expired}); err != nil || !applied {
		t.Fatalf("arranging expired order: applied=%v err=%v", applied, err)
	}

	for i := 0; i < 2; i++ {
		_, funded, err := f.service.ConfirmPayment(context.Background(), order.Reference, order.TotalKobo, nil, "webhook")
		if funded {
			t.Fatal("expired order must not be revived")
		}
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("err = %v, want ErrInvalidState", err)
		}
	}

	got, _ := f.store.Get(context.Background(), order.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if n := eventsOfType(t, f.store, order.ID, EventLateSuccess); n != 1 {
		t.Errorf("late-success events = %d, want exactly 1", n)
	}
}

func TestVerifyAndConfirm(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	// Not yet paid: no transition.
	f.gateway.verifyPaid = false
	got, funded, err := f.service.VerifyAndConfirm(context.Background(), order.Reference)
	if err != nil || funded {
		t.Fatalf("unpaid verify: funded=%v err=%v", funded, err)
	}
	if got.Status != StatusInitialized {
		t.Errorf("status = %s", got.Status)
	}

	// Paid: poll path converges on the same transition as the webhook.
	f.gateway.verifyPaid = true
	f.gateway.verifyKobo = order.TotalKobo
	got, funded, err = f.service.VerifyAndConfirm(context.Background(), order.Reference)
	if err != nil || !funded {
		t.Fatalf("paid verify: funded=%v err=%v", funded, err)
	}
	if got.Status != StatusFunded {
		t.Errorf("status = %s", got.Status)
	}
	countPaymentEvents(t, f.store, order.ID, 1)
}

func TestConfirmDelivery(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	got, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1")
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	if got.DeliveryStatus != DeliveryConfirmed {
		t.Errorf("delivery = %s", got.DeliveryStatus)
	}
	if got.Status != StatusFunded {
		t.Errorf("payment status changed to %s", got.Status)
	}

	// Double confirm.
	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double confirm err = %v, want ErrInvalidState", err)
	}
}

func TestConfirmDelivery_NotBuyer(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	for _, caller := range []string{"seller-1", "admin-1", "someone-else"} {
		if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, caller); !errors.Is(err, ErrForbidden) {
			t.Errorf("caller %s: err = %v, want ErrForbidden", caller, err)
		}
	}
}

func TestConfirmDelivery_Unfunded(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestConfirmDelivery_IncompleteProfile(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	// Buyer's profile degrades to a placeholder before confirming.
	f.dir.Put(&identity.Profile{ID: "buyer-1", Email: "buyer@example.ng", Name: "New User"})

	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); !errors.Is(err, ErrProfileIncomplete) {
		t.Errorf("err = %v, want ErrProfileIncomplete", err)
	}
}

func TestOpenDispute(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	got, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "item never arrived at pickup point")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if got.DisputeStatus != DisputeOpen || got.DisputeOpenedAt == nil {
		t.Errorf("dispute = %s, openedAt = %v", got.DisputeStatus, got.DisputeOpenedAt)
	}

	// Dispute and delivery confirmation are mutually exclusive.
	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("confirm after dispute err = %v, want ErrInvalidState", err)
	}
	// Second dispute.
	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "still nothing delivered here"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double dispute err = %v, want ErrInvalidState", err)
	}
}

func TestOpenDispute_ShortReason(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "bad"); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	// Nine naira signs are 27 bytes but still only nine characters.
	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "₦₦₦₦₦₦₦₦₦"); !errors.Is(err, ErrValidation) {
		t.Errorf("multibyte err = %v, want ErrValidation", err)
	}
}

func TestOpenDispute_SanitizesReason(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	got, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "  item never\x00 arrived at pickup point  ")
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if got.DisputeReason != "item never arrived at pickup point" {
		t.Errorf("reason = %q, want trimmed with the NUL byte stripped", got.DisputeReason)
	}
}

func TestOpenDispute_AfterDelivery(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)
	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "changed my mind about this one"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
}

func TestResolveDispute(t *testing.T) {
	cases := []struct {
		name       string
		resolution Resolution
		wantStatus SettlementStatus
	}{
		{"release", ResolutionReleaseToSeller, SettlementReleased},
		{"refund", ResolutionRefundBuyer, SettlementRefunded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			order := f.createOrder(t)
			f.fundOrder(t, order)
			if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "item never arrived at pickup point"); err != nil {
				t.Fatal(err)
			}

			got, err := f.service.ResolveDispute(context.Background(), order.ID, "admin-1", tc.resolution, "adjudicated after checking chat logs")
			if err != nil {
				t.Fatalf("ResolveDispute failed: %v", err)
			}
			if got.DisputeStatus != DisputeResolved {
				t.Errorf("dispute = %s", got.DisputeStatus)
			}
			if got.SettlementStatus != tc.wantStatus {
				t.Errorf("settlement = %s, want %s", got.SettlementStatus, tc.wantStatus)
			}
			// Exactly one of released_at/refunded_at.
			if (got.ReleasedAt != nil) == (got.RefundedAt != nil) {
				t.Errorf("released_at=%v refunded_at=%v, want exactly one set", got.ReleasedAt, got.RefundedAt)
			}
			if !got.IsTerminal() {
				t.Error("resolved order should be terminal")
			}

			// Resolving again.
			if _, err := f.service.ResolveDispute(context.Background(), order.ID, "admin-1", tc.resolution, ""); !errors.Is(err, ErrInvalidState) {
				t.Errorf("double resolve err = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestResolveDispute_NotAdmin(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)
	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "item never arrived at pickup point"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.ResolveDispute(context.Background(), order.ID, "buyer-1", ResolutionRefundBuyer, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestResolveDispute_BadInput(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)
	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "item never arrived at pickup point"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.service.ResolveDispute(context.Background(), order.ID, "admin-1", "split_even", ""); !errors.Is(err, ErrValidation) {
		t.Errorf("bad resolution err = %v, want ErrValidation", err)
	}
	if _, err := f.service.ResolveDispute(context.Background(), order.ID, "admin-1", ResolutionRefundBuyer, "₦₦₦₦₦₦₦₦₦"); !errors.Is(err, ErrValidation) {
		t.Errorf("multibyte short note err = %v, want ErrValidation", err)
	}
	if _, err := f.service.ResolveDispute(context.Background(), order.ID, "admin-1", ResolutionRefundBuyer, "ok"); !errors.Is(err, ErrValidation) {
		t.Errorf("short note err = %v, want ErrValidation", err)
	}
}

func TestReleaseToSeller(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)
	if _, err := f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	got, err := f.service.ReleaseToSeller(context.Background(), order.ID, "admin-1")
	if err != nil {
		t.Fatalf("ReleaseToSeller failed: %v", err)
	}
	if got.SettlementStatus != SettlementReleased || got.ReleasedAt == nil {
		t.Errorf("settlement = %s, releasedAt = %v", got.SettlementStatus, got.ReleasedAt)
	}
	if got.SettlementAdminID != "admin-1" {
		t.Errorf("admin = %s", got.SettlementAdminID)
	}

	// Double release.
	if _, err := f.service.ReleaseToSeller(context.Background(), order.ID, "admin-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double release err = %v, want ErrInvalidState", err)
	}
	// Dispute after release.
	if _, err := f.service.OpenDispute(context.Background(), order.ID, "buyer-1", "actually I want my money back"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("dispute after release err = %v, want ErrInvalidState", err)
	}
}

func TestReleaseToSeller_Preconditions(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	f.fundOrder(t, order)

	// Delivery not confirmed yet.
	if _, err := f.service.ReleaseToSeller(context.Background(), order.ID, "admin-1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("err = %v, want ErrInvalidState", err)
	}
	// Non-admin.
	if _, err := f.service.ReleaseToSeller(context.Background(), order.ID, "seller-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	stale := f.createOrder(t)
	fresh := f.createOrder(t)
	funded := f.createOrder(t)
	f.fundOrder(t, funded)

	// Backdate one initialized order past the cutoff.
	f.store.mu.Lock()
	f.store.orders[stale.ID].CreatedAt = time.Now().Add(-48 * time.Hour)
	f.store.mu.Unlock()

	count, err := f.service.ExpireStale(context.Background(), 0)
	if err != nil {
		t.Fatalf("ExpireStale failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expired = %d, want 1", count)
	}

	got, _ := f.store.Get(context.Background(), stale.ID)
	if got.Status != StatusExpired {
		t.Errorf("stale order status = %s", got.Status)
	}
	got, _ = f.store.Get(context.Background(), fresh.ID)
	if got.Status != StatusInitialized {
		t.Errorf("fresh order status = %s", got.Status)
	}
	got, _ = f.store.Get(context.Background(), funded.ID)
	if got.Status != StatusFunded {
		t.Errorf("funded order status = %s, sweep must not touch funded orders", got.Status)
	}

	// Idempotent: a second sweep expires nothing new.
	count, err = f.service.ExpireStale(context.Background(), 0)
	if err != nil || count != 0 {
		t.Errorf("second sweep = %d (err %v), want 0", count, err)
	}
}

func TestGetAuthorization(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	for _, caller := range []string{"buyer-1", "seller-1", "admin-1"} {
		if _, err := f.service.Get(context.Background(), order.ID, caller); err != nil {
			t.Errorf("caller %s: %v", caller, err)
		}
	}
	if _, err := f.service.Get(context.Background(), order.ID, "bare-1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger err = %v, want ErrForbidden", err)
	}
	if _, err := f.service.Get(context.Background(), "missing", "buyer-1"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestAdminLists(t *testing.T) {
	f := newFixture(t)
	disputed := f.createOrder(t)
	f.fundOrder(t, disputed)
	if _, err := f.service.OpenDispute(context.Background(), disputed.ID, "buyer-1", "item never arrived at pickup point"); err != nil {
		t.Fatal(err)
	}

	releasable := f.createOrder(t)
	f.fundOrder(t, releasable)
	if _, err := f.service.ConfirmDelivery(context.Background(), releasable.ID, "buyer-1"); err != nil {
		t.Fatal(err)
	}

	disputes, err := f.service.OpenDisputes(context.Background(), "admin-1", 0)
	if err != nil || len(disputes) != 1 || disputes[0].ID != disputed.ID {
		t.Errorf("disputes = %v (err %v)", disputes, err)
	}
	releases, err := f.service.PendingReleases(context.Background(), "admin-1", 0)
	if err != nil || len(releases) != 1 || releases[0].ID != releasable.ID {
		t.Errorf("releases = %v (err %v)", releases, err)
	}

	if _, err := f.service.OpenDisputes(context.Background(), "buyer-1", 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin disputes err = %v, want ErrForbidden", err)
	}
	if _, err := f.service.PendingReleases(context.Background(), "buyer-1", 0); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin releases err = %v, want ErrForbidden", err)
	}
}

// TestHappyPath walks the full settlement lifecycle end to end.
func TestHappyPath(t *testing.T) {
	f := newFixture(t)

	order := f.createOrder(t)
	if order.TotalKobo != 103000 {
		t.Fatalf("total = %d, want 103000", order.TotalKobo)
	}

	order, funded, err := f.service.ConfirmPayment(context.Background(), order.Reference, 103000, nil, "webhook")
	if err != nil || !funded {
		t.Fatalf("webhook confirm: funded=%v err=%v", funded, err)
	}

	order, err = f.service.ConfirmDelivery(context.Background(), order.ID, "buyer-1")
	if err != nil {
		t.Fatalf("confirm delivery: %v", err)
	}

	order, err = f.service.ReleaseToSeller(context.Background(), order.ID, "admin-1")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if order.SettlementStatus != SettlementReleased || order.ReleasedAt == nil {
		t.Errorf("settlement = %s", order.SettlementStatus)
	}
	if order.DisputeStatus != DisputeNone {
		t.Errorf("dispute axis = %s, flow never entered a dispute", order.DisputeStatus)
	}

	events, _ := f.store.ListEvents(context.Background(), order.ID, 20)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	want := []string{EventInitialize, EventWebhookSuccess, EventDeliveryConfirmed, EventFundsReleased}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func countPaymentEvents(t *testing.T, store *MemoryStore, orderID string, want int) {
	t.Helper()
	if got := eventsOfType(t, store, orderID, EventWebhookSuccess); got != want {
		t.Errorf("payment confirmation events = %d, want %d", got, want)
	}
}

func eventsOfType(t *testing.T, store *MemoryStore, orderID, eventType string) int {
	t.Helper()
	events, err := store.ListEvents(context.Background(), orderID, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
