package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/db"
	"raffle-engine/internal/models"
	"raffle-engine/internal/validation"
)

// CreateRaffle registers a new raffle in draft.
func (s *ReservationService) CreateRaffle(ctx context.Context, r models.Raffle) (models.Raffle, error) {
	r.ID = uuid.NewString()
	r.Status = models.RaffleDraft
	r.CreatedAt = s.now()
	if err := validation.Raffle(r); err != nil {
		return models.Raffle{}, err
	}
	if err := s.store.CreateRaffle(ctx, r); err != nil {
		return models.Raffle{}, apperrors.NewInternalError("create raffle", err)
	}
	s.logger.Info("raffle created",
		zap.String("raffle_id", r.ID),
		zap.String("organization_id", r.OrganizationID),
		zap.Int("total_tickets", r.TotalTickets))
	return r, nil
}

// GetRaffle returns a raffle by ID.
func (s *ReservationService) GetRaffle(ctx context.Context, id string) (models.Raffle, error) {
	return s.loadRaffle(ctx, id)
}

// SetRaffleStatus applies an organizer lifecycle change. It runs inside the
// raffle's critical section so no reservation commits against a raffle that
// is being closed.
func (s *ReservationService) SetRaffleStatus(ctx context.Context, id, status string) (models.Raffle, error) {
	if _, err := s.loadRaffle(ctx, id); err != nil {
		return models.Raffle{}, err
	}
	release, err := s.acquire(ctx, id)
	if err != nil {
		return models.Raffle{}, err
	}
	defer release()

	raffle, err := s.loadRaffle(ctx, id)
	if err != nil {
		return models.Raffle{}, err
	}
	if err := validation.RaffleTransition(raffle.Status, status); err != nil {
		return models.Raffle{}, err
	}
	if err := s.store.UpdateRaffleStatus(ctx, id, raffle.Status, status); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return models.Raffle{}, apperrors.NewValidationError("status", "raffle changed concurrently, reload and retry")
		}
		return models.Raffle{}, apperrors.NewInternalError("update raffle status", err)
	}
	s.logger.Info("raffle status changed",
		zap.String("raffle_id", id), zap.String("from", raffle.Status), zap.String("to", status))
	raffle.Status = status
	s.invalidator.Invalidate(id)
	return raffle, nil
}
