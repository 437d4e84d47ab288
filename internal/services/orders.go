package services

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/db"
	"raffle-engine/internal/models"
	"raffle-engine/internal/validation"
)

// GetOrder returns an order by ID.
func (s *ReservationService) GetOrder(ctx context.Context, orderID string) (models.Order, error) {
	return s.loadOrder(ctx, orderID)
}

// FindByReferenceCode resolves a buyer-facing code. Both the current
// 8 character form and legacy "ORD-" codes are accepted.
func (s *ReservationService) FindByReferenceCode(ctx context.Context, code string) (models.Order, error) {
	normalized, ok := NormalizeReferenceCode(code)
	if !ok {
		return models.Order{}, apperrors.NewValidationError("reference_code", "malformed reference code")
	}
	order, err := s.store.FindByReferenceCode(ctx, normalized)
	if errors.Is(err, db.ErrNotFound) {
		return models.Order{}, apperrors.NewNotFoundError("order", normalized)
	}
	if err != nil {
		return models.Order{}, apperrors.NewInternalError("find order by reference", err)
	}
	return order, nil
}

// SetStatus applies a transition requested by the payment/approval
// workflow. Leaving reserved always clears reserved_until.
func (s *ReservationService) SetStatus(ctx context.Context, orderID, status string) (models.Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if err := validation.OrderTransition(order.Status, status); err != nil {
		return models.Order{}, err
	}

	release, err := s.acquire(ctx, order.RaffleID)
	if err != nil {
		return models.Order{}, err
	}
	updated, err := s.setStatusLocked(ctx, orderID, status)
	release()
	if err != nil {
		return models.Order{}, err
	}

	s.logger.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("raffle_id", updated.RaffleID),
		zap.String("from", order.Status),
		zap.String("to", status))
	s.invalidator.Invalidate(updated.RaffleID)
	return updated, nil
}

func (s *ReservationService) setStatusLocked(ctx context.Context, orderID, status string) (models.Order, error) {
	current, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if err := validation.OrderTransition(current.Status, status); err != nil {
		return models.Order{}, err
	}
	if err := s.store.UpdateOrderStatus(ctx, orderID, current.Status, status, s.now()); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return models.Order{}, apperrors.NewValidationError("status", "order changed concurrently, reload and retry")
		}
		return models.Order{}, apperrors.NewInternalError("update order status", err)
	}
	return s.loadOrder(ctx, orderID)
}

// AttachPaymentProof records the buyer's payment proof. A reserved order
// becomes pending; a pending order gets its proof replaced.
func (s *ReservationService) AttachPaymentProof(ctx context.Context, orderID, proofURL string) (models.Order, error) {
	if err := validation.ProofURL(proofURL); err != nil {
		return models.Order{}, err
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}

	release, err := s.acquire(ctx, order.RaffleID)
	if err != nil {
		return models.Order{}, err
	}
	defer release()

	order, err = s.loadOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	switch order.Status {
	case models.OrderReserved:
		if order.ReservedUntil == nil || !order.ReservedUntil.After(s.now()) {
			return models.Order{}, apperrors.NewValidationError("reserved_until", "reservation already expired")
		}
	case models.OrderPending:
	default:
		return models.Order{}, apperrors.NewValidationError("status",
			fmt.Sprintf("order is %s, proof not accepted", order.Status))
	}

	if err := s.store.AttachPaymentProof(ctx, orderID, order.Status, proofURL); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return models.Order{}, apperrors.NewValidationError("status", "order changed concurrently, reload and retry")
		}
		return models.Order{}, apperrors.NewInternalError("attach payment proof", err)
	}
	if order.Status == models.OrderReserved {
		s.invalidator.Invalidate(order.RaffleID)
	}
	order.Status = models.OrderPending
	order.ReservedUntil = nil
	order.PaymentProofURL = proofURL
	return order, nil
}
