package services

import (
	"context"
	"time"

	"raffle-engine/internal/models"
)

// Repository is the persistence surface the engine needs. *db.Store
// implements it.
type Repository interface {
	CreateRaffle(ctx context.Context, r models.Raffle) error
	GetRaffle(ctx context.Context, id string) (models.Raffle, error)
	UpdateRaffleStatus(ctx context.Context, id, from, to string) error

	InsertOrder(ctx context.Context, o models.Order) error
	GetOrder(ctx context.Context, id string) (models.Order, error)
	FindByReferenceCode(ctx context.Context, code string) (models.Order, error)
	ClaimingOrders(ctx context.Context, raffleID string) ([]models.Order, error)
	CountByStatus(ctx context.Context, raffleID string) (map[string]int, error)
	UpdateOrderStatus(ctx context.Context, id, from, to string, at time.Time) error
	AttachPaymentProof(ctx context.Context, id, from, proofURL string) error
	ExtendReservation(ctx context.Context, id string, until, now time.Time) error

	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]models.Order, error)
	CancelExpired(ctx context.Context, ids []string, now time.Time) ([]string, error)
	PurgeCancelled(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeAbandonedPending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Invalidator drops cached aggregates for raffles. Implementations must not
// block the caller.
type Invalidator interface {
	Invalidate(raffleIDs ...string)
}

// Notifier delivers engine events to organizers.
type Notifier interface {
	OrderReserved(ctx context.Context, raffle models.Raffle, order models.Order) error
	OrdersExpired(ctx context.Context, notice models.ExpiryNotice) error
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) OrderReserved(context.Context, models.Raffle, models.Order) error { return nil }
func (NopNotifier) OrdersExpired(context.Context, models.ExpiryNotice) error { return nil }

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(...string) {}
