package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsBurstThenBlocks(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("buyer_1") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("buyer_1") {
		t.Error("request beyond burst should be blocked")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("buyer_1") {
		t.Error("first caller should be allowed")
	}
	if !l.Allow("buyer_2") {
		t.Error("second caller should have its own bucket")
	}
	if l.Allow("buyer_1") {
		t.Error("first caller should now be exhausted")
	}
}

func TestLimiter_Refills(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("k") {
		t.Fatal("initial request should pass")
	}
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(20 * time.Millisecond) // 100 tokens/sec refill rate
	if !l.Allow("k") {
		t.Error("bucket should have refilled")
	}
}
