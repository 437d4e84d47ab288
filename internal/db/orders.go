package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"raffle-engine/internal/models"
)

const orderColumns = `id, raffle_id, organization_id, reference_code, status, ticket_ranges, lucky_indices,
	ticket_count, buyer_name, buyer_email, buyer_phone, payment_proof_url,
	reserved_at, reserved_until, sold_at, canceled_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// InsertOrder persists a new order. A reference code collision, including
// with an order that was purged since, returns ErrDuplicateReference so the
// caller can pick another code.
func (s *Store) InsertOrder(ctx context.Context, o models.Order) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := insertOrder(ctx, tx, o); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertOrders persists orders in one transaction.
func (s *Store) InsertOrders(ctx context.Context, orders []models.Order) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, o := range orders {
		if err := insertOrder(ctx, tx, o); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertOrder(ctx context.Context, ex execer, o models.Order) error {
	ranges, err := json.Marshal(o.TicketRanges)
	if err != nil {
		return fmt.Errorf("encode ticket ranges: %w", err)
	}
	lucky, err := json.Marshal(o.LuckyIndices)
	if err != nil {
		return fmt.Errorf("encode lucky indices: %w", err)
	}

	_, err = ex.ExecContext(ctx, "INSERT INTO reference_codes (code, created_at) VALUES (?, ?)",
		o.ReferenceCode, toMillis(o.ReservedAt))
	if isUniqueReference(err) {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("record reference code: %w", err)
	}

	_, err = ex.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.RaffleID, o.OrganizationID, o.ReferenceCode, o.Status, string(ranges), string(lucky),
		o.TicketCount, o.Buyer.Name, o.Buyer.Email, o.Buyer.Phone, o.PaymentProofURL,
		toMillis(o.ReservedAt), nullMillis(o.ReservedUntil), nullMillis(o.SoldAt), nullMillis(o.CanceledAt))
	if isUniqueReference(err) {
		return ErrDuplicateReference
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	return scanOne(row)
}

// FindByReferenceCode looks an order up by its exact reference code.
func (s *Store) FindByReferenceCode(ctx context.Context, code string) (models.Order, error) {
	row := s.DB.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE reference_code = ?", code)
	return scanOne(row)
}

// ClaimingOrders returns every order of a raffle that currently holds its
// tickets.
func (s *Store) ClaimingOrders(ctx context.Context, raffleID string) ([]models.Order, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+orderColumns+` FROM orders
		WHERE raffle_id = ? AND status IN ('reserved', 'pending', 'sold')`, raffleID)
	if err != nil {
		return nil, fmt.Errorf("query claiming orders: %w", err)
	}
	return scanAll(rows)
}

// CountByStatus sums ticket_count per status over the raffle's live orders.
// Cost follows the number of orders, not the pool size.
func (s *Store) CountByStatus(ctx context.Context, raffleID string) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT status, COALESCE(SUM(ticket_count), 0)
		FROM orders
		WHERE raffle_id = ? AND status IN ('reserved', 'pending', 'sold')
		GROUP BY status`, raffleID)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpdateOrderStatus applies a workflow transition if the order is still in
// from. Every accepted transition leaves reserved, so reserved_until is
// cleared.
func (s *Store) UpdateOrderStatus(ctx context.Context, id, from, to string, at time.Time) error {
	ms := toMillis(at)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET
			status = ?,
			reserved_until = NULL,
			sold_at = CASE WHEN ? = 'sold' THEN ? ELSE sold_at END,
			canceled_at = CASE WHEN ? = 'cancelled' THEN ? ELSE canceled_at END
		WHERE id = ? AND status = ?`,
		to, to, ms, to, ms, id, from)
	return checkAffected(res, err, "update order status")
}

// AttachPaymentProof records the buyer's proof and moves the order to
// pending.
func (s *Store) AttachPaymentProof(ctx context.Context, id, from, proofURL string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET status = 'pending', reserved_until = NULL, payment_proof_url = ?
		WHERE id = ? AND status = ?`, proofURL, id, from)
	return checkAffected(res, err, "attach payment proof")
}

// ExtendReservation sets a new deadline on a reservation that has not yet
// expired at now.
func (s *Store) ExtendReservation(ctx context.Context, id string, until, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders SET reserved_until = ?
		WHERE id = ? AND status = 'reserved' AND reserved_until > ?`,
		toMillis(until), id, toMillis(now))
	return checkAffected(res, err, "extend reservation")
}

// ExpiredReservations returns up to limit reserved orders whose deadline is
// before now, oldest deadline first.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Order, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+orderColumns+` FROM orders
		WHERE status = 'reserved' AND reserved_until < ?
		ORDER BY reserved_until ASC
		LIMIT ?`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query expired reservations: %w", err)
	}
	return scanAll(rows)
}

// CancelExpired cancels the given orders in one transaction, skipping any
// that are no longer reserved or were extended past now. It returns the IDs
// actually cancelled.
func (s *Store) CancelExpired(ctx context.Context, ids []string, now time.Time) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	ms := toMillis(now)
	cancelled := make([]string, 0, len(ids))
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = 'cancelled', canceled_at = ?, reserved_until = NULL
			WHERE id = ? AND status = 'reserved' AND reserved_until < ?`, ms, id, ms)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("cancel order %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			cancelled = append(cancelled, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cancelled, nil
}

// PurgeCancelled deletes cancelled orders cancelled before cutoff.
func (s *Store) PurgeCancelled(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM orders WHERE status = 'cancelled' AND canceled_at < ?", toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge cancelled: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAbandonedPending deletes pending orders created before cutoff that
// never received a payment proof.
func (s *Store) PurgeAbandonedPending(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM orders
		WHERE status = 'pending' AND payment_proof_url = '' AND reserved_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge pending: %w", err)
	}
	return res.RowsAffected()
}

func checkAffected(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func scanOne(row scanner) (models.Order, error) {
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	return o, err
}

func scanAll(rows *sql.Rows) ([]models.Order, error) {
	defer rows.Close()
	var orders []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row scanner) (models.Order, error) {
	var (
		o                        models.Order
		ranges, lucky            string
		reservedAt               int64
		reservedUntil, sold, can sql.NullInt64
	)
	err := row.Scan(&o.ID, &o.RaffleID, &o.OrganizationID, &o.ReferenceCode, &o.Status, &ranges, &lucky,
		&o.TicketCount, &o.Buyer.Name, &o.Buyer.Email, &o.Buyer.Phone, &o.PaymentProofURL,
		&reservedAt, &reservedUntil, &sold, &can)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Order{}, err
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}
	if err := json.Unmarshal([]byte(ranges), &o.TicketRanges); err != nil {
		return models.Order{}, fmt.Errorf("decode ticket ranges of %s: %w", o.ID, err)
	}
	if err := json.Unmarshal([]byte(lucky), &o.LuckyIndices); err != nil {
		return models.Order{}, fmt.Errorf("decode lucky indices of %s: %w", o.ID, err)
	}
	o.ReservedAt = fromMillis(reservedAt)
	o.ReservedUntil = timePtr(reservedUntil)
	o.SoldAt = timePtr(sold)
	o.CanceledAt = timePtr(can)
	return o, nil
}
