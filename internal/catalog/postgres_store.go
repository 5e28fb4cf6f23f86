package catalog

import (
	"context"
	"database/sql"
)

// PostgresStore reads products from the marketplace's products table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed product store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) ProductByID(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, seller_id, title, price_kobo, location, active, created_at
		FROM products
		WHERE id = $1`, id)

	var (
		prod     Product
		location sql.NullString
	)
	err := row.Scan(&prod.ID, &prod.SellerID, &prod.Title, &prod.PriceKobo,
		&location, &prod.Active, &prod.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, err
	}

	prod.Location = location.String
	return &prod, nil
}

var _ Store = (*PostgresStore)(nil)
