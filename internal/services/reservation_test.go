package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/db"
	"raffle-engine/internal/models"
	"raffle-engine/internal/tickets"
)

func TestReserve_ConflictRejectsWholeRequest(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	first, err := e.svc.Reserve(ctx, raffle.ID, []int{0, 1, 2}, buyer("ana"), 0)
	require.NoError(t, err)
	assert.Equal(t, []models.TicketRange{{Start: 0, End: 2}}, first.TicketRanges)
	assert.Empty(t, first.LuckyIndices)
	assert.Equal(t, 3, first.TicketCount)
	assert.Equal(t, models.OrderReserved, first.Status)
	require.NotNil(t, first.ReservedUntil)
	assert.True(t, testStart.Add(DefaultReservationDuration).Equal(*first.ReservedUntil))
	assert.Len(t, first.ReferenceCode, ReferenceCodeLength)

	counts, err := e.counts.Compute(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, counts.Available)

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{2, 3, 4}, buyer("ben"), 0)
	var conflict *apperrors.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
	assert.Equal(t, []int{2}, conflict.Conflicts)

	counts, err = e.counts.Compute(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, 7, counts.Available)

	orders, err := e.store.ClaimingOrders(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestReserve_LuckyIndices(t *testing.T) {
	e := newEngine(t)
	raffle := e.activeRaffle(t, "org-1", 1000)

	order, err := e.svc.Reserve(context.Background(), raffle.ID, []int{7, 500, 501, 502, 999}, buyer("ana"), 0)
	require.NoError(t, err)
	assert.Equal(t, []models.TicketRange{{Start: 500, End: 502}}, order.TicketRanges)
	assert.Equal(t, []int{7, 999}, order.LuckyIndices)
	assert.Equal(t, 5, order.TicketCount)
}

func TestReserve_NotifiesAndInvalidates(t *testing.T) {
	e := newEngine(t)
	raffle := e.activeRaffle(t, "org-1", 10)
	e.notifier.err = errors.New("telegram down")

	order, err := e.svc.Reserve(context.Background(), raffle.ID, []int{4}, buyer("ana"), 0)
	require.NoError(t, err, "notification failures must not fail the reservation")

	assert.Contains(t, e.invalidator.all(), raffle.ID)
	require.Len(t, e.notifier.reserved, 1)
	assert.Equal(t, order.ID, e.notifier.reserved[0].ID)
}

func TestReserve_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	_, err := e.svc.Reserve(ctx, "missing", []int{1}, buyer("ana"), 0)
	assert.Equal(t, apperrors.KindNotFound, apperrors.Kind(err))

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{10}, buyer("ana"), 0)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, models.BuyerInfo{}, 0)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 48*time.Hour)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), time.Nanosecond)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 500*time.Millisecond)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	draft, err := e.svc.CreateRaffle(ctx, models.Raffle{OrganizationID: "org-1", Name: "Draft", TotalTickets: 10})
	require.NoError(t, err)
	_, err = e.svc.Reserve(ctx, draft.ID, []int{1}, buyer("ana"), 0)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
}

func TestReserve_RegeneratesCollidingReferenceCode(t *testing.T) {
	e := newEngine(t, WithCodeGenerator(sequence("DUPL0001", "DUPL0001", "FRESH001")))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	first, err := e.svc.Reserve(ctx, raffle.ID, []int{0}, buyer("ana"), 0)
	require.NoError(t, err)
	assert.Equal(t, "DUPL0001", first.ReferenceCode)

	second, err := e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ben"), 0)
	require.NoError(t, err)
	assert.Equal(t, "FRESH001", second.ReferenceCode)
}

func TestReserve_ReferenceCodeExhaustion(t *testing.T) {
	e := newEngine(t, WithCodeGenerator(sequence("SAME0001")))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	_, err := e.svc.Reserve(ctx, raffle.ID, []int{0}, buyer("ana"), 0)
	require.NoError(t, err)

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ben"), 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInternal, apperrors.Kind(err))

	orders, err := e.store.ClaimingOrders(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestReserve_LockTimeout(t *testing.T) {
	e := newEngine(t, WithLockWait(20*time.Millisecond))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)
	other := e.activeRaffle(t, "org-1", 10)

	release, err := e.locks.Acquire(ctx, raffle.ID, time.Second)
	require.NoError(t, err)

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 0)
	var timeout *apperrors.LockTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.True(t, apperrors.Retryable(err))

	_, err = e.svc.Reserve(ctx, other.ID, []int{1}, buyer("ana"), 0)
	assert.NoError(t, err, "other raffles are not blocked")

	release()
	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 0)
	assert.NoError(t, err)
}

// closingRepository completes the raffle the first time the claimed set is
// loaded, which is after Reserve's unlocked status check.
type closingRepository struct {
	*db.Store
	closed bool
}

func (c *closingRepository) ClaimingOrders(ctx context.Context, raffleID string) ([]models.Order, error) {
	if !c.closed {
		c.closed = true
		if err := c.Store.UpdateRaffleStatus(ctx, raffleID, models.RaffleActive, models.RaffleCompleted); err != nil {
			return nil, err
		}
	}
	return c.Store.ClaimingOrders(ctx, raffleID)
}

func TestReserve_RaffleClosedBeforeCommit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	repo := &closingRepository{Store: e.store}
	svc := NewReservationService(repo, e.locks, e.invalidator, e.notifier, zap.NewNop(), WithClock(e.clock))

	_, err := svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
	assert.True(t, repo.closed)

	orders, err := e.store.ClaimingOrders(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, e.notifier.reserved)
}

func TestSetRaffleStatus_WaitsForRaffleLock(t *testing.T) {
	e := newEngine(t, WithLockWait(20*time.Millisecond))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	release, err := e.locks.Acquire(ctx, raffle.ID, time.Second)
	require.NoError(t, err)

	_, err = e.svc.SetRaffleStatus(ctx, raffle.ID, models.RaffleCompleted)
	var timeout *apperrors.LockTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)

	got, err := e.svc.GetRaffle(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RaffleActive, got.Status)

	release()
	done, err := e.svc.SetRaffleStatus(ctx, raffle.ID, models.RaffleCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.RaffleCompleted, done.Status)
}

func TestReserve_ConcurrentClaimsStayDisjoint(t *testing.T) {
	e := newEngine(t, WithLockWait(10*time.Second))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 60)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded []models.Order
	)
	for w := 0; w < 30; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			picks := rng.Perm(60)[:4]
			order, err := e.svc.Reserve(ctx, raffle.ID, picks, buyer("buyer"), 0)
			if err != nil {
				assert.Equal(t, apperrors.KindConflict, apperrors.Kind(err), "unexpected error %v", err)
				return
			}
			mu.Lock()
			succeeded = append(succeeded, order)
			mu.Unlock()
		}(int64(w))
	}
	wg.Wait()
	require.NotEmpty(t, succeeded)

	seen := make(map[int]string)
	total := 0
	for _, o := range succeeded {
		for _, idx := range tickets.Indices(o.TicketRanges, o.LuckyIndices) {
			prev, dup := seen[idx]
			assert.False(t, dup, "index %d claimed by %s and %s", idx, prev, o.ID)
			seen[idx] = o.ID
		}
		total += o.TicketCount
	}

	counts, err := e.counts.Compute(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, total, counts.Reserved)
	assert.Equal(t, 60, counts.Available+counts.Reserved+counts.Pending+counts.Sold)
}

func TestExtend(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	order, err := e.svc.Reserve(ctx, raffle.ID, []int{1, 2}, buyer("ana"), 10*time.Minute)
	require.NoError(t, err)

	extended, err := e.svc.Extend(ctx, order.ID, 5)
	require.NoError(t, err)
	assert.True(t, testStart.Add(15*time.Minute).Equal(*extended.ReservedUntil))

	stored, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, extended.ReservedUntil.Equal(*stored.ReservedUntil))

	_, err = e.svc.Extend(ctx, order.ID, 0)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	e.clock.Advance(16 * time.Minute)
	_, err = e.svc.Extend(ctx, order.ID, 5)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err), "expired reservations cannot be revived")

	_, err = e.svc.Extend(ctx, "missing", 5)
	assert.Equal(t, apperrors.KindNotFound, apperrors.Kind(err))
}

func TestSetStatus(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	order, err := e.svc.Reserve(ctx, raffle.ID, []int{0, 1}, buyer("ana"), 0)
	require.NoError(t, err)

	sold, err := e.svc.SetStatus(ctx, order.ID, models.OrderSold)
	require.NoError(t, err)
	assert.Equal(t, models.OrderSold, sold.Status)
	assert.Nil(t, sold.ReservedUntil)
	require.NotNil(t, sold.SoldAt)

	_, err = e.svc.SetStatus(ctx, order.ID, models.OrderCancelled)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	_, err = e.svc.Extend(ctx, order.ID, 5)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	counts, err := e.counts.Compute(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Sold)
	assert.Equal(t, "20", counts.SoldAmount.String())
}

func TestCancelReleasesTickets(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	order, err := e.svc.Reserve(ctx, raffle.ID, []int{3, 4}, buyer("ana"), 0)
	require.NoError(t, err)

	cancelled, err := e.svc.SetStatus(ctx, order.ID, models.OrderCancelled)
	require.NoError(t, err)
	assert.Nil(t, cancelled.ReservedUntil)
	require.NotNil(t, cancelled.CanceledAt)

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{3, 4}, buyer("ben"), 0)
	assert.NoError(t, err)
}

func TestAttachPaymentProof(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	order, err := e.svc.Reserve(ctx, raffle.ID, []int{5}, buyer("ana"), 0)
	require.NoError(t, err)

	_, err = e.svc.AttachPaymentProof(ctx, order.ID, "nope")
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	pending, err := e.svc.AttachPaymentProof(ctx, order.ID, "https://files.example.com/p.png")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, pending.Status)
	assert.Nil(t, pending.ReservedUntil)

	stored, err := e.svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.com/p.png", stored.PaymentProofURL)

	counts, err := e.counts.Compute(ctx, raffle.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 0, counts.Reserved)
}

func TestFindByReferenceCode(t *testing.T) {
	e := newEngine(t, WithCodeGenerator(sequence("AB12CD34")))
	ctx := context.Background()
	raffle := e.activeRaffle(t, "org-1", 10)

	order, err := e.svc.Reserve(ctx, raffle.ID, []int{5}, buyer("ana"), 0)
	require.NoError(t, err)

	found, err := e.svc.FindByReferenceCode(ctx, " ab12cd34 ")
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)

	legacy := order
	legacy.ID = "legacy-order"
	legacy.ReferenceCode = "ORD-LEG12345"
	legacy.Status = models.OrderSold
	legacy.TicketRanges = nil
	legacy.LuckyIndices = []int{9}
	legacy.ReservedUntil = nil
	require.NoError(t, e.store.InsertOrder(ctx, legacy))

	found, err = e.svc.FindByReferenceCode(ctx, "ord-leg12345")
	require.NoError(t, err)
	assert.Equal(t, "legacy-order", found.ID)

	_, err = e.svc.FindByReferenceCode(ctx, "ZZZZ9999")
	assert.Equal(t, apperrors.KindNotFound, apperrors.Kind(err))

	_, err = e.svc.FindByReferenceCode(ctx, "ORD-123")
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
}

func TestRaffleLifecycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	_, err := e.svc.CreateRaffle(ctx, models.Raffle{OrganizationID: "org-1", Name: "Big", TotalTickets: 10_000_001})
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	raffle := e.activeRaffle(t, "org-1", 10)
	_, err = e.svc.SetRaffleStatus(ctx, raffle.ID, models.RaffleDraft)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	done, err := e.svc.SetRaffleStatus(ctx, raffle.ID, models.RaffleCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.RaffleCompleted, done.Status)

	_, err = e.svc.Reserve(ctx, raffle.ID, []int{1}, buyer("ana"), 0)
	assert.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
}
