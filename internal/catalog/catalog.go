// Package catalog provides read access to marketplace product listings.
//
// The settlement engine only needs the lookup path: resolving a product to
// its seller and capturing a price snapshot at order creation. Listing CRUD
// lives in the main marketplace application.
package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrProductNotFound = errors.New("catalog: product not found")

// Product is a marketplace listing.
type Product struct {
	ID        string    `json:"id"`
	SellerID  string    `json:"sellerId"`
	Title     string    `json:"title"`
	PriceKobo int64     `json:"priceKobo"`
	Location  string    `json:"location"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store resolves products by ID.
type Store interface {
	ProductByID(ctx context.Context, id string) (*Product, error)
}
