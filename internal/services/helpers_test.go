package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raffle-engine/internal/clock"
	"raffle-engine/internal/db"
	"raffle-engine/internal/lock"
	"raffle-engine/internal/models"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingInvalidator) Invalidate(raffleIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, raffleIDs...)
}

func (r *recordingInvalidator) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

type recordingNotifier struct {
	mu       sync.Mutex
	reserved []models.Order
	expired  []models.ExpiryNotice
	err      error
}

func (n *recordingNotifier) OrderReserved(_ context.Context, _ models.Raffle, o models.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reserved = append(n.reserved, o)
	return n.err
}

func (n *recordingNotifier) OrdersExpired(_ context.Context, notice models.ExpiryNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, notice)
	return n.err
}

type engine struct {
	store       *db.Store
	locks       *lock.Keyed
	clock       *clock.Fake
	invalidator *recordingInvalidator
	notifier    *recordingNotifier
	svc         *ReservationService
	counts      *CountsService
}

func newEngine(t *testing.T, opts ...Option) *engine {
	t.Helper()
	store, err := db.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	e := &engine{
		store:       store,
		locks:       lock.New(),
		clock:       clock.NewFake(testStart),
		invalidator: &recordingInvalidator{},
		notifier:    &recordingNotifier{},
	}
	opts = append([]Option{WithClock(e.clock)}, opts...)
	e.svc = NewReservationService(store, e.locks, e.invalidator, e.notifier, zap.NewNop(), opts...)
	e.counts = NewCountsService(store, nil, 0, zap.NewNop())
	return e
}

func (e *engine) sweeper(cfg SweeperConfig) *Sweeper {
	return NewSweeper(e.store, e.locks, e.invalidator, e.notifier, e.clock, cfg, zap.NewNop())
}

func (e *engine) activeRaffle(t *testing.T, org string, total int) models.Raffle {
	t.Helper()
	ctx := context.Background()
	r, err := e.svc.CreateRaffle(ctx, models.Raffle{
		OrganizationID: org,
		Name:           "Rifa",
		TotalTickets:   total,
		TicketPrice:    decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	r, err = e.svc.SetRaffleStatus(ctx, r.ID, models.RaffleActive)
	require.NoError(t, err)
	return r
}

func buyer(name string) models.BuyerInfo {
	return models.BuyerInfo{Name: name, Email: name + "@example.com"}
}

func sequence(codes ...string) func() (string, error) {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		code := codes[i%len(codes)]
		i++
		return code, nil
	}
}
