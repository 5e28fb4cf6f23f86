package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders and events in PostgreSQL.
//
// The conditional update compiles the guard into the UPDATE's WHERE clause
// and relies on row-level atomicity: concurrent confirmers serialize at the
// row, and the loser's UPDATE matches zero rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, buyer_id, seller_id, product_id, product_snapshot,
	       subtotal_kobo, fee_kobo, total_kobo, currency,
	       status, delivery_status, dispute_status, settlement_status,
	       dispute_reason, dispute_opened_at, dispute_resolution_note, resolution, resolved_at,
	       reference, authorization_url, access_code, paid_at,
	       settlement_admin_id, released_at, refunded_at,
	       created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	snapshot, err := json.Marshal(o.Snapshot)
	if err != nil {
		return fmt.Errorf("escrow: marshaling snapshot: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_orders (
			id, buyer_id, seller_id, product_id, product_snapshot,
			subtotal_kobo, fee_kobo, total_kobo, currency,
			status, delivery_status, dispute_status, settlement_status,
			dispute_reason, dispute_opened_at, dispute_resolution_note, resolution, resolved_at,
			reference, authorization_url, access_code, paid_at,
			settlement_admin_id, released_at, refunded_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25,
			$26, $27
		)`,
		o.ID, o.BuyerID, o.SellerID, o.ProductID, snapshot,
		o.SubtotalKobo, o.FeeKobo, o.TotalKobo, o.Currency,
		string(o.Status), string(o.DeliveryStatus), string(o.DisputeStatus), string(o.SettlementStatus),
		nullString(o.DisputeReason), nullTime(o.DisputeOpenedAt), nullString(o.DisputeResolutionNote),
		nullString(string(o.Resolution)), nullTime(o.ResolvedAt),
		o.Reference, nullString(o.AuthorizationURL), nullString(o.AccessCode), nullTime(o.PaidAt),
		nullString(o.SettlementAdminID), nullTime(o.ReleasedAt), nullTime(o.RefundedAt),
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM escrow_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByReference(ctx context.Context, reference string) (*Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM escrow_orders WHERE reference = $1`, reference)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, id string, guard Guard, patch Patch) (*Order, bool, error) {
	sets, where, args := compileUpdate(id, guard, patch)

	query := `UPDATE escrow_orders SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(where, " AND ") +
		` RETURNING ` + orderColumns

	row := p.db.QueryRowContext(ctx, query, args...)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		// Guard miss or missing row; re-read to tell them apart.
		o, err = p.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return o, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}

// compileUpdate builds the SET and WHERE fragments for a guarded update.
func compileUpdate(id string, guard Guard, patch Patch) (sets, where []string, args []interface{}) {
	n := 0
	arg := func(v interface{}) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	set := func(col string, v interface{}) {
		sets = append(sets, col+" = "+arg(v))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.DeliveryStatus != nil {
		set("delivery_status", string(*patch.DeliveryStatus))
	}
	if patch.DisputeStatus != nil {
		set("dispute_status", string(*patch.DisputeStatus))
	}
	if patch.SettlementStatus != nil {
		set("settlement_status", string(*patch.SettlementStatus))
	}
	if patch.DisputeReason != nil {
		set("dispute_reason", nullString(*patch.DisputeReason))
	}
	if patch.DisputeOpenedAt != nil {
		set("dispute_opened_at", *patch.DisputeOpenedAt)
	}
	if patch.DisputeResolutionNote != nil {
		set("dispute_resolution_note", nullString(*patch.DisputeResolutionNote))
	}
	if patch.Resolution != nil {
		set("resolution", string(*patch.Resolution))
	}
	if patch.ResolvedAt != nil {
		set("resolved_at", *patch.ResolvedAt)
	}
	if patch.PaidAt != nil {
		set("paid_at", *patch.PaidAt)
	}
	if patch.SettlementAdminID != nil {
		set("settlement_admin_id", nullString(*patch.SettlementAdminID))
	}
	if patch.ReleasedAt != nil {
		set("released_at", *patch.ReleasedAt)
	}
	if patch.RefundedAt != nil {
		set("refunded_at", *patch.RefundedAt)
	}
	sets = append(sets, "updated_at = NOW()")

	where = append(where, "id = "+arg(id))
	if len(guard.StatusIn) > 0 {
		statuses := make([]string, len(guard.StatusIn))
		for i, s := range guard.StatusIn {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if guard.DeliveryStatus != nil {
		where = append(where, "delivery_status = "+arg(string(*guard.DeliveryStatus)))
	}
	if guard.DisputeStatus != nil {
		where = append(where, "dispute_status = "+arg(string(*guard.DisputeStatus)))
	}
	if guard.SettlementStatus != nil {
		where = append(where, "settlement_status = "+arg(string(*guard.SettlementStatus)))
	}
	return sets, where, args
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE dispute_status = 'open'
		ORDER BY dispute_opened_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ListPendingReleases(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE status = 'funded'
		  AND delivery_status = 'confirmed'
		  AND dispute_status = 'none'
		  AND settlement_status = 'pending'
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanOrders(rows)
}

func (p *PostgresStore) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_orders
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'initialized' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, e *Event) error {
	// The partial unique index on (order_id, event_key) absorbs duplicate
	// keyed events; ON CONFLICT DO NOTHING makes the duplicate a success.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (id, order_id, type, event_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, event_key) WHERE event_key IS NOT NULL DO NOTHING`,
		e.ID, e.OrderID, e.Type, nullString(e.Key), []byte(e.Payload), e.CreatedAt)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, orderID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, order_id, type, event_key, payload, created_at
		FROM escrow_events
		WHERE order_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var key sql.NullString
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &key, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Key = key.String
		e.Payload = payload
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		snapshot        []byte
		status          string
		delivery        string
		dispute         string
		settlement      string
		disputeReason   sql.NullString
		disputeOpenedAt sql.NullTime
		resolutionNote  sql.NullString
		resolution      sql.NullString
		resolvedAt      sql.NullTime
		authURL         sql.NullString
		accessCode      sql.NullString
		paidAt          sql.NullTime
		adminID         sql.NullString
		releasedAt      sql.NullTime
		refundedAt      sql.NullTime
	)

	err := s.Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &o.ProductID, &snapshot,
		&o.SubtotalKobo, &o.FeeKobo, &o.TotalKobo, &o.Currency,
		&status, &delivery, &dispute, &settlement,
		&disputeReason, &disputeOpenedAt, &resolutionNote, &resolution, &resolvedAt,
		&o.Reference, &authURL, &accessCode, &paidAt,
		&adminID, &releasedAt, &refundedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = Status(status)
	o.DeliveryStatus = DeliveryStatus(delivery)
	o.DisputeStatus = DisputeStatus(dispute)
	o.SettlementStatus = SettlementStatus(settlement)
	o.DisputeReason = disputeReason.String
	o.DisputeResolutionNote = resolutionNote.String
	o.Resolution = Resolution(resolution.String)
	o.AuthorizationURL = authURL.String
	o.AccessCode = accessCode.String
	o.SettlementAdminID = adminID.String
	if disputeOpenedAt.Valid {
		o.DisputeOpenedAt = &disputeOpenedAt.Time
	}
	if resolvedAt.Valid {
		o.ResolvedAt = &resolvedAt.Time
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if releasedAt.Valid {
		o.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		o.RefundedAt = &refundedAt.Time
	}
	if len(snapshot) > 0 {
		_ = json.Unmarshal(snapshot, &o.Snapshot)
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
