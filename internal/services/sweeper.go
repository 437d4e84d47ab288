package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/clock"
	"raffle-engine/internal/lock"
	"raffle-engine/internal/models"
)

// SweeperConfig bounds one sweep run.
type SweeperConfig struct {
	BatchSize          int
	MaxBatches         int
	CancelledRetention time.Duration
	PendingRetention   time.Duration
	// AutoScaleTickets is the released-ticket count above which a run is
	// flagged as exceeding normal load.
	AutoScaleTickets int
	LockWait         time.Duration
}

// DefaultSweeperConfig returns the production limits.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		BatchSize:          500,
		MaxBatches:         20,
		CancelledRetention: 7 * 24 * time.Hour,
		PendingRetention:   30 * 24 * time.Hour,
		AutoScaleTickets:   10_000,
		LockWait:           DefaultLockWait,
	}
}

// Sweeper cancels reservations past their deadline and purges old terminal
// orders. It shares the per-raffle lock with ReservationService so an
// expiring order is never released while a reservation against the same
// raffle is mid-flight.
type Sweeper struct {
	store       Repository
	locks       *lock.Keyed
	invalidator Invalidator
	notifier    Notifier
	clock       clock.Clock
	cfg         SweeperConfig
	logger      *zap.Logger
}

// NewSweeper builds a sweeper that shares locks with the reservation
// service. A nil clock means the wall clock; zero config fields take their
// defaults.
func NewSweeper(store Repository, locks *lock.Keyed, invalidator Invalidator, notifier Notifier, clk clock.Clock, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.CancelledRetention <= 0 {
		cfg.CancelledRetention = def.CancelledRetention
	}
	if cfg.PendingRetention <= 0 {
		cfg.PendingRetention = def.PendingRetention
	}
	if cfg.AutoScaleTickets <= 0 {
		cfg.AutoScaleTickets = def.AutoScaleTickets
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Sweeper{
		store:       store,
		locks:       locks,
		invalidator: invalidator,
		notifier:    notifier,
		clock:       clk,
		cfg:         cfg,
		logger:      logger,
	}
}

// Sweep runs one pass. A storage or lock error stops the run early; batches
// already committed stay committed and the rest is left for the next run.
func (s *Sweeper) Sweep(ctx context.Context) (models.SweepResult, error) {
	started := s.clock.Now().UTC()
	result := models.SweepResult{StartedAt: started, RafflesTouched: []string{}}
	touched := make(map[string]struct{})
	notices := make(map[string]*models.ExpiryNotice)

	runErr := s.cancelExpired(ctx, &result, touched, notices)

	for id := range touched {
		result.RafflesTouched = append(result.RafflesTouched, id)
	}
	sort.Strings(result.RafflesTouched)
	s.invalidator.Invalidate(result.RafflesTouched...)
	s.notify(ctx, notices)

	if runErr == nil {
		s.purge(ctx, &result)
	}

	result.AutoScaled = result.BatchesProcessed >= s.cfg.MaxBatches ||
		result.ExpiredTicketsReleased > s.cfg.AutoScaleTickets
	result.Duration = s.clock.Now().Sub(started).String()

	fields := []zap.Field{
		zap.Int("orders_cancelled", result.ExpiredOrdersCancelled),
		zap.Int("tickets_released", result.ExpiredTicketsReleased),
		zap.Int("batches", result.BatchesProcessed),
		zap.Int64("cancelled_purged", result.CancelledPurged),
		zap.Int64("pending_purged", result.PendingPurged),
		zap.Int("raffles", len(result.RafflesTouched)),
		zap.Bool("auto_scaled", result.AutoScaled),
	}
	if runErr != nil {
		s.logger.Error("sweep stopped early", append(fields, zap.Error(runErr))...)
		return result, runErr
	}
	if result.AutoScaled {
		s.logger.Warn("sweep exceeded normal load", fields...)
	} else {
		s.logger.Info("sweep complete", fields...)
	}
	return result, nil
}

func (s *Sweeper) cancelExpired(ctx context.Context, result *models.SweepResult, touched map[string]struct{}, notices map[string]*models.ExpiryNotice) error {
	for result.BatchesProcessed < s.cfg.MaxBatches {
		now := s.clock.Now().UTC()
		expired, err := s.store.ExpiredReservations(ctx, now, s.cfg.BatchSize)
		if err != nil {
			return apperrors.NewInternalError("select expired reservations", err)
		}
		if len(expired) == 0 {
			return nil
		}

		byRaffle := make(map[string][]models.Order)
		raffleIDs := make([]string, 0)
		for _, o := range expired {
			if _, ok := byRaffle[o.RaffleID]; !ok {
				raffleIDs = append(raffleIDs, o.RaffleID)
			}
			byRaffle[o.RaffleID] = append(byRaffle[o.RaffleID], o)
		}

		for _, raffleID := range raffleIDs {
			cancelled, err := s.cancelForRaffle(ctx, raffleID, byRaffle[raffleID], now)
			if err != nil {
				return err
			}
			if len(cancelled) > 0 {
				touched[raffleID] = struct{}{}
			}
			for _, o := range cancelled {
				result.ExpiredOrdersCancelled++
				result.ExpiredTicketsReleased += o.TicketCount
				addToNotice(notices, o)
			}
		}
		result.BatchesProcessed++

		if len(expired) < s.cfg.BatchSize {
			return nil
		}
	}
	return nil
}

func (s *Sweeper) cancelForRaffle(ctx context.Context, raffleID string, orders []models.Order, now time.Time) ([]models.Order, error) {
	release, err := s.locks.Acquire(ctx, raffleID, s.cfg.LockWait)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, apperrors.NewLockTimeoutError(raffleID, s.cfg.LockWait)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("acquire raffle lock", err)
	}
	defer release()

	ids := make([]string, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	cancelledIDs, err := s.store.CancelExpired(ctx, ids, now)
	if err != nil {
		return nil, apperrors.NewInternalError(fmt.Sprintf("cancel expired orders of raffle %s", raffleID), err)
	}

	done := make(map[string]struct{}, len(cancelledIDs))
	for _, id := range cancelledIDs {
		done[id] = struct{}{}
	}
	cancelled := make([]models.Order, 0, len(cancelledIDs))
	for _, o := range orders {
		if _, ok := done[o.ID]; ok {
			cancelled = append(cancelled, o)
		}
	}
	return cancelled, nil
}

func addToNotice(notices map[string]*models.ExpiryNotice, o models.Order) {
	n, ok := notices[o.OrganizationID]
	if !ok {
		n = &models.ExpiryNotice{OrganizationID: o.OrganizationID}
		notices[o.OrganizationID] = n
	}
	found := false
	for _, id := range n.RaffleIDs {
		if id == o.RaffleID {
			found = true
			break
		}
	}
	if !found {
		n.RaffleIDs = append(n.RaffleIDs, o.RaffleID)
	}
	summary := models.ExpiredOrderSummary{
		OrderID:       o.ID,
		RaffleID:      o.RaffleID,
		ReferenceCode: o.ReferenceCode,
		BuyerName:     o.Buyer.Name,
		TicketCount:   o.TicketCount,
	}
	if o.ReservedUntil != nil {
		summary.ReservedUntil = *o.ReservedUntil
	}
	n.Orders = append(n.Orders, summary)
}

func (s *Sweeper) notify(ctx context.Context, notices map[string]*models.ExpiryNotice) {
	for orgID, n := range notices {
		if err := s.notifier.OrdersExpired(ctx, *n); err != nil {
			s.logger.Warn("expiry notification failed", zap.String("organization_id", orgID), zap.Error(err))
		}
	}
}

func (s *Sweeper) purge(ctx context.Context, result *models.SweepResult) {
	now := s.clock.Now().UTC()
	n, err := s.store.PurgeCancelled(ctx, now.Add(-s.cfg.CancelledRetention))
	if err != nil {
		s.logger.Warn("purge of cancelled orders failed", zap.Error(err))
	}
	result.CancelledPurged = n

	n, err = s.store.PurgeAbandonedPending(ctx, now.Add(-s.cfg.PendingRetention))
	if err != nil {
		s.logger.Warn("purge of abandoned pending orders failed", zap.Error(err))
	}
	result.PendingPurged = n
}

// Schedule runs Sweep every interval until the returned cron is stopped.
// A run still in progress when the next tick fires makes that tick a no-op.
func (s *Sweeper) Schedule(interval time.Duration) (*cron.Cron, error) {
	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	_, err := c.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweeper: %w", err)
	}
	c.Start()
	return c, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
