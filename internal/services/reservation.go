package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/clock"
	"raffle-engine/internal/db"
	"raffle-engine/internal/lock"
	"raffle-engine/internal/models"
	"raffle-engine/internal/tickets"
	"raffle-engine/internal/validation"
)

const (
	DefaultReservationDuration = 15 * time.Minute
	DefaultLockWait            = 5 * time.Second
	MinReservationDuration     = time.Second
	MaxReservationDuration     = 24 * time.Hour
	// MaxExtensionMinutes caps a single extend call.
	MaxExtensionMinutes = 24 * 60
	maxCodeAttempts     = 5
)

var errCodesExhausted = errors.New("no unique reference code after retries")

// ReservationService owns every write that changes which tickets an order
// claims or whether it still claims them. Writes for one raffle run inside
// that raffle's critical section; different raffles never wait on each
// other.
type ReservationService struct {
	store       Repository
	locks       *lock.Keyed
	invalidator Invalidator
	notifier    Notifier
	logger      *zap.Logger

	clock           clock.Clock
	newCode         func() (string, error)
	lockWait        time.Duration
	defaultDuration time.Duration
}

// Option configures a ReservationService.
type Option func(*ReservationService)

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *ReservationService) { s.clock = c }
}

// WithCodeGenerator overrides reference code generation.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *ReservationService) { s.newCode = gen }
}

// WithLockWait bounds how long a call waits for the raffle's critical
// section.
func WithLockWait(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.lockWait = d
		}
	}
}

// WithDefaultDuration sets the hold time used when Reserve gets zero.
func WithDefaultDuration(d time.Duration) Option {
	return func(s *ReservationService) {
		if d > 0 {
			s.defaultDuration = d
		}
	}
}

// NewReservationService wires the order workflow to its store and the
// shared per-raffle locks. A nil invalidator or notifier is replaced by a
// no-op.
func NewReservationService(store Repository, locks *lock.Keyed, invalidator Invalidator, notifier Notifier, logger *zap.Logger, opts ...Option) *ReservationService {
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &ReservationService{
		store:           store,
		locks:           locks,
		invalidator:     invalidator,
		notifier:        notifier,
		logger:          logger,
		clock:           clock.Real(),
		newCode:         NewReferenceCode,
		lockWait:        DefaultLockWait,
		defaultDuration: DefaultReservationDuration,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve claims indices for a buyer. Either every requested index is
// claimed by the new order, or none is: any overlap with a live order fails
// the whole request with a ConflictError listing the overlapping indices.
func (s *ReservationService) Reserve(ctx context.Context, raffleID string, indices []int, buyer models.BuyerInfo, duration time.Duration) (models.Order, error) {
	if duration == 0 {
		duration = s.defaultDuration
	}
	if duration < MinReservationDuration || duration > MaxReservationDuration {
		return models.Order{}, apperrors.NewValidationError("duration",
			fmt.Sprintf("must be between %s and %s", MinReservationDuration, MaxReservationDuration))
	}

	raffle, err := s.loadRaffle(ctx, raffleID)
	if err != nil {
		return models.Order{}, err
	}
	if err := validation.Request(raffle, indices); err != nil {
		return models.Order{}, err
	}
	if err := validation.Buyer(buyer); err != nil {
		return models.Order{}, err
	}

	release, err := s.acquire(ctx, raffleID)
	if err != nil {
		return models.Order{}, err
	}
	order, err := s.reserveLocked(ctx, raffleID, indices, buyer, duration)
	release()
	if err != nil {
		return models.Order{}, err
	}

	s.logger.Info("tickets reserved",
		zap.String("raffle_id", raffleID),
		zap.String("order_id", order.ID),
		zap.String("reference_code", order.ReferenceCode),
		zap.Int("ticket_count", order.TicketCount),
		zap.Time("reserved_until", *order.ReservedUntil))

	s.invalidator.Invalidate(raffleID)
	if err := s.notifier.OrderReserved(ctx, raffle, order); err != nil {
		s.logger.Warn("reservation notification failed", zap.String("order_id", order.ID), zap.Error(err))
	}
	return order, nil
}

func (s *ReservationService) reserveLocked(ctx context.Context, raffleID string, indices []int, buyer models.BuyerInfo, duration time.Duration) (models.Order, error) {
	claimed, err := s.claimedSet(ctx, raffleID)
	if err != nil {
		return models.Order{}, err
	}
	// The organizer may have closed the raffle after the unlocked check.
	raffle, err := s.loadRaffle(ctx, raffleID)
	if err != nil {
		return models.Order{}, err
	}
	if err := validation.Request(raffle, indices); err != nil {
		return models.Order{}, err
	}
	if conflicts := claimed.Conflicts(indices); len(conflicts) > 0 {
		s.logger.Debug("reservation conflict",
			zap.String("raffle_id", raffle.ID), zap.Ints("conflicts", conflicts))
		return models.Order{}, apperrors.NewConflictError(conflicts)
	}

	ranges, lucky := tickets.Split(indices)
	now := s.now()
	until := now.Add(duration)
	order := models.Order{
		ID:             uuid.NewString(),
		RaffleID:       raffle.ID,
		OrganizationID: raffle.OrganizationID,
		Status:         models.OrderReserved,
		TicketRanges:   ranges,
		LuckyIndices:   lucky,
		TicketCount:    tickets.Count(ranges, lucky),
		Buyer:          buyer,
		ReservedAt:     now,
		ReservedUntil:  &until,
	}

	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return models.Order{}, apperrors.NewInternalError("generate reference code", err)
		}
		order.ReferenceCode = code

		err = s.store.InsertOrder(ctx, order)
		if errors.Is(err, db.ErrDuplicateReference) {
			s.logger.Warn("reference code collision, regenerating",
				zap.String("code", code), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return models.Order{}, apperrors.NewInternalError("insert order", err)
		}
		return order, nil
	}
	return models.Order{}, apperrors.NewInternalError("insert order", errCodesExhausted)
}

// Extend pushes a live reservation's deadline forward by minutes. The
// claim already holds, so overlap is not checked again.
func (s *ReservationService) Extend(ctx context.Context, orderID string, minutes int) (models.Order, error) {
	if minutes <= 0 || minutes > MaxExtensionMinutes {
		return models.Order{}, apperrors.NewValidationError("minutes",
			fmt.Sprintf("must be between 1 and %d", MaxExtensionMinutes))
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

	// Reload inside the critical section: the sweeper may have cancelled it.
	order, err = s.loadOrder(ctx, orderID)
	if err != nil {
		return models.Order{}, err
	}
	if order.Status != models.OrderReserved {
		return models.Order{}, apperrors.NewValidationError("status",
			fmt.Sprintf("order is %s, only reserved orders can be extended", order.Status))
	}
	now := s.now()
	if order.ReservedUntil == nil || !order.ReservedUntil.After(now) {
		return models.Order{}, apperrors.NewValidationError("reserved_until", "reservation already expired")
	}

	until := order.ReservedUntil.Add(time.Duration(minutes) * time.Minute)
	if err := s.store.ExtendReservation(ctx, orderID, until, now); err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return models.Order{}, apperrors.NewValidationError("status", "order is no longer reserved")
		}
		return models.Order{}, apperrors.NewInternalError("extend reservation", err)
	}
	order.ReservedUntil = &until

	s.logger.Info("reservation extended",
		zap.String("order_id", orderID), zap.Int("minutes", minutes), zap.Time("reserved_until", until))
	return order, nil
}

func (s *ReservationService) claimedSet(ctx context.Context, raffleID string) (*tickets.ClaimedSet, error) {
	orders, err := s.store.ClaimingOrders(ctx, raffleID)
	if err != nil {
		return nil, apperrors.NewInternalError("load claimed tickets", err)
	}
	set := tickets.NewClaimedSet()
	for _, o := range orders {
		set.AddOrder(o)
	}
	return set, nil
}

func (s *ReservationService) acquire(ctx context.Context, raffleID string) (func(), error) {
	release, err := s.locks.Acquire(ctx, raffleID, s.lockWait)
	if errors.Is(err, lock.ErrTimeout) {
		s.logger.Warn("raffle lock wait exceeded", zap.String("raffle_id", raffleID), zap.Duration("wait", s.lockWait))
		return nil, apperrors.NewLockTimeoutError(raffleID, s.lockWait)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("acquire raffle lock", err)
	}
	return release, nil
}

func (s *ReservationService) loadRaffle(ctx context.Context, id string) (models.Raffle, error) {
	raffle, err := s.store.GetRaffle(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return models.Raffle{}, apperrors.NewNotFoundError("raffle", id)
	}
	if err != nil {
		return models.Raffle{}, apperrors.NewInternalError("load raffle", err)
	}
	return raffle, nil
}

func (s *ReservationService) loadOrder(ctx context.Context, id string) (models.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return models.Order{}, apperrors.NewNotFoundError("order", id)
	}
	if err != nil {
		return models.Order{}, apperrors.NewInternalError("load order", err)
	}
	return order, nil
}

// now is truncated to the storage resolution so returned orders match what
// a later read sees.
func (s *ReservationService) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Millisecond)
}
