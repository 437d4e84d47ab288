package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"raffle-engine/internal/models"
)

func (s *Store) CreateRaffle(ctx context.Context, r models.Raffle) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO raffles (id, organization_id, name, total_tickets, numbering_start, ticket_price, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrganizationID, r.Name, r.TotalTickets, r.NumberingStart,
		r.TicketPrice.String(), r.Status, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert raffle: %w", err)
	}
	return nil
}

func (s *Store) GetRaffle(ctx context.Context, id string) (models.Raffle, error) {
	var (
		r       models.Raffle
		price   string
		created int64
	)
	err := s.DB.QueryRowContext(ctx, `
		SELECT id, organization_id, name, total_tickets, numbering_start, ticket_price, status, created_at
		FROM raffles WHERE id = ?`, id).Scan(
		&r.ID, &r.OrganizationID, &r.Name, &r.TotalTickets, &r.NumberingStart, &price, &r.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Raffle{}, ErrNotFound
	}
	if err != nil {
		return models.Raffle{}, fmt.Errorf("get raffle: %w", err)
	}
	r.TicketPrice, err = decimal.NewFromString(price)
	if err != nil {
		return models.Raffle{}, fmt.Errorf("parse ticket price %q: %w", price, err)
	}
	r.CreatedAt = fromMillis(created)
	return r, nil
}

// UpdateRaffleStatus moves a raffle from one status to another, failing with
// ErrStaleStatus if it is no longer in from.
func (s *Store) UpdateRaffleStatus(ctx context.Context, id, from, to string) error {
	res, err := s.DB.ExecContext(ctx,
		"UPDATE raffles SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return fmt.Errorf("update raffle status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update raffle status: %w", err)
	}
	if n == 0 {
		return ErrStaleStatus
	}
	return nil
}
