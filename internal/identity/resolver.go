package identity

import (
	"context"
	"sync"
	"time"

	"github.com/ojamart/escrow-service/internal/fees"
)

// resolverCacheTTL bounds tier staleness. A tier upgrade takes effect on the
// next order at the latest; admin checks are never cached.
const resolverCacheTTL = 30 * time.Second

// Resolver is the single place effective roles are computed.
//
// Tier precedence: directory profile → verified token claim → free.
// Admin: directory profile only. The original system read roles from several
// fallback sources at each call site; this centralizes the precedence order.
type Resolver struct {
	dir Directory

	mu    sync.Mutex
	cache map[string]cachedTier
	now   func() time.Time // test hook
}

type cachedTier struct {
	tier    fees.Tier
	expires time.Time
}

// NewResolver creates a role resolver over the given directory.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{
		dir:   dir,
		cache: make(map[string]cachedTier),
		now:   time.Now,
	}
}

// EffectiveTier resolves the buyer tier used for fee calculation.
// claims may be nil.
func (r *Resolver) EffectiveTier(ctx context.Context, userID string, claims *Claims) fees.Tier {
	r.mu.Lock()
	if c, ok := r.cache[userID]; ok && r.now().Before(c.expires) {
		r.mu.Unlock()
		return c.tier
	}
	r.mu.Unlock()

	tier := fees.TierFree
	if profile, err := r.dir.ProfileByID(ctx, userID); err == nil && profile.Tier != "" {
		tier = fees.ParseTier(string(profile.Tier))
	} else if claims != nil && claims.Role != "" {
		tier = fees.ParseTier(claims.Role)
	}

	r.mu.Lock()
	r.cache[userID] = cachedTier{tier: tier, expires: r.now().Add(resolverCacheTTL)}
	r.mu.Unlock()

	return tier
}

// IsAdmin reports whether the user is an admin per the directory.
// Token claims are deliberately ignored: an admin-only transition must never
// trust anything the client sent.
func (r *Resolver) IsAdmin(ctx context.Context, userID string) (bool, error) {
	profile, err := r.dir.ProfileByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return profile.Admin, nil
}

// Invalidate drops a user's cached tier (profile just changed).
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}
