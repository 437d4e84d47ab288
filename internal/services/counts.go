package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/db"
	"raffle-engine/internal/models"
	"raffle-engine/internal/tickets"
)

// DefaultCountsTTL bounds how stale cached counts may be.
const DefaultCountsTTL = 10 * time.Second

const computeTimeout = 10 * time.Second

// CountsService answers aggregate and per-ticket questions from orders.
// It never takes the raffle lock, so a reservation in flight may or may not
// be visible.
type CountsService struct {
	store  Repository
	cache  Cache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCountsService reads counts through cache, falling back to NopCache when
// none is given.
func NewCountsService(store Repository, cache Cache, ttl time.Duration, logger *zap.Logger) *CountsService {
	if cache == nil {
		cache = NopCache{}
	}
	if ttl <= 0 {
		ttl = DefaultCountsTTL
	}
	return &CountsService{store: store, cache: cache, ttl: ttl, logger: logger}
}

// Counts returns total, sold, reserved, pending and available for a raffle,
// served from cache when fresh.
func (c *CountsService) Counts(ctx context.Context, raffleID string) (models.Counts, error) {
	key := CountsKey(raffleID)
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("counts cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		var counts models.Counts
		if err := json.Unmarshal(raw, &counts); err == nil {
			return counts, nil
		}
		c.logger.Warn("counts cache entry unreadable", zap.String("key", key))
	}

	v, err, _ := c.group.Do(raffleID, func() (interface{}, error) {
		// Shared by every waiter, so one caller going away must not fail the rest.
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), computeTimeout)
		defer cancel()
		counts, err := c.Compute(sharedCtx, raffleID)
		if err != nil {
			return models.Counts{}, err
		}
		if raw, err := json.Marshal(counts); err == nil {
			if err := c.cache.Set(sharedCtx, key, raw, c.ttl); err != nil {
				c.logger.Warn("counts cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return counts, nil
	})
	if err != nil {
		return models.Counts{}, err
	}
	return v.(models.Counts), nil
}

// Compute reads counts straight from storage. Cost is proportional to the
// number of orders in the raffle, independent of the pool size.
func (c *CountsService) Compute(ctx context.Context, raffleID string) (models.Counts, error) {
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return models.Counts{}, err
	}
	byStatus, err := c.store.CountByStatus(ctx, raffleID)
	if err != nil {
		return models.Counts{}, apperrors.NewInternalError("count orders", err)
	}

	counts := models.Counts{
		RaffleID: raffleID,
		Total:    raffle.TotalTickets,
		Sold:     byStatus[models.OrderSold],
		Reserved: byStatus[models.OrderReserved],
		Pending:  byStatus[models.OrderPending],
	}
	counts.Available = counts.Total - counts.Sold - counts.Reserved - counts.Pending
	counts.SoldAmount = raffle.TicketPrice.Mul(decimal.NewFromInt(int64(counts.Sold)))
	return counts, nil
}

// Ticket derives the status of a single index from the order claiming it.
func (c *CountsService) Ticket(ctx context.Context, raffleID string, index int) (models.VirtualTicket, error) {
	raffle, err := c.raffle(ctx, raffleID)
	if err != nil {
		return models.VirtualTicket{}, err
	}
	if index < 0 || index >= raffle.TotalTickets {
		return models.VirtualTicket{}, apperrors.NewValidationError("index", "outside the raffle's pool")
	}

	ticket := models.VirtualTicket{
		Index:  index,
		Number: tickets.FormatDisplay(index, raffle.NumberingStart, tickets.PadWidth(raffle.TotalTickets, raffle.NumberingStart)),
		Status: models.TicketAvailable,
	}
	orders, err := c.store.ClaimingOrders(ctx, raffleID)
	if err != nil {
		return models.VirtualTicket{}, apperrors.NewInternalError("load claimed tickets", err)
	}
	for _, o := range orders {
		if tickets.Contains(o.TicketRanges, o.LuckyIndices, index) {
			ticket.Status = o.Status
			ticket.OrderID = o.ID
			break
		}
	}
	return ticket, nil
}

func (c *CountsService) raffle(ctx context.Context, raffleID string) (models.Raffle, error) {
	raffle, err := c.store.GetRaffle(ctx, raffleID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Raffle{}, apperrors.NewNotFoundError("raffle", raffleID)
	}
	if err != nil {
		return models.Raffle{}, apperrors.NewInternalError("load raffle", err)
	}
	return raffle, nil
}
