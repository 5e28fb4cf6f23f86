// Package identity resolves caller identity, roles, and profile completeness.
//
// Authentication itself is external: a TokenVerifier (the platform's auth
// provider) turns a bearer token into claims. Authorization facts that gate
// money movement (the admin flag, the membership tier, profile completeness)
// are always read from the profile directory, which is authoritative.
// Client-supplied token claims are only ever a fallback for the tier, never
// for the admin flag.
package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ojamart/escrow-service/internal/fees"
	"github.com/ojamart/escrow-service/internal/validation"
)

var (
	ErrUnauthenticated = errors.New("identity: missing or invalid credential")
	ErrProfileNotFound = errors.New("identity: profile not found")
)

// placeholderName is the name new accounts carry until the user fills in
// their profile. Accounts still carrying it may not move funds.
const placeholderName = "new user"

// Claims are the verified contents of a bearer token.
type Claims struct {
	UserID string
	Email  string
	Role   string // advisory tier hint; never trusted for admin checks
}

// TokenVerifier validates a bearer token and returns its claims.
// Implemented by the external auth provider's adapter.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Profile is a marketplace user profile.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	City      string    `json:"city"`
	Tier      fees.Tier `json:"tier"`
	Admin     bool      `json:"admin"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Complete reports whether the profile can take part in fund-moving actions:
// a real (non-placeholder) name, a valid Nigerian phone number, and a city.
func (p *Profile) Complete() bool {
	name := strings.TrimSpace(p.Name)
	if name == "" || strings.EqualFold(name, placeholderName) {
		return false
	}
	return validation.IsValidPhone(p.Phone) && strings.TrimSpace(p.City) != ""
}

// Directory is the authoritative profile store.
type Directory interface {
	ProfileByID(ctx context.Context, userID string) (*Profile, error)
}

// StaticVerifier is a fixed token to claims map, for development and tests.
type StaticVerifier map[string]Claims

// ParseStaticTokens builds a StaticVerifier from a comma-separated list of
// "token=userID:email:role" entries. Email and role are optional.
func ParseStaticTokens(spec string) StaticVerifier {
	v := StaticVerifier{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		token, rest, ok := strings.Cut(entry, "=")
		if !ok || token == "" {
			continue
		}
		parts := strings.SplitN(rest, ":", 3)
		c := Claims{UserID: parts[0]}
		if len(parts) > 1 {
			c.Email = parts[1]
		}
		if len(parts) > 2 {
			c.Role = parts[2]
		}
		if c.UserID != "" {
			v[token] = c
		}
	}
	return v
}

// Verify implements TokenVerifier.
func (v StaticVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	claims, ok := v[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	c := claims
	return &c, nil
}
