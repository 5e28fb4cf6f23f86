package identity

import (
	"context"
	"database/sql"

	"github.com/ojamart/escrow-service/internal/fees"
)

// PostgresDirectory reads profiles from the marketplace's profiles table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a PostgreSQL-backed profile directory.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (p *PostgresDirectory) ProfileByID(ctx context.Context, userID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, email, name, phone, city, tier, admin, created_at, updated_at
		FROM profiles
		WHERE id = $1`, userID)

	var (
		prof  Profile
		name  sql.NullString
		phone sql.NullString
		city  sql.NullString
		tier  sql.NullString
	)
	err := row.Scan(&prof.ID, &prof.Email, &name, &phone, &city, &tier, &prof.Admin,
		&prof.CreatedAt, &prof.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	prof.Name = name.String
	prof.Phone = phone.String
	prof.City = city.String
	prof.Tier = fees.ParseTier(tier.String)
	return &prof, nil
}

var _ Directory = (*PostgresDirectory)(nil)
