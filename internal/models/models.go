package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Raffle lifecycle states.
const (
	RaffleDraft     = "draft"
	RaffleActive    = "active"
	RaffleCompleted = "completed"
	RaffleCancelled = "cancelled"
)

// Order lifecycle states.
const (
	OrderReserved  = "reserved"
	OrderPending   = "pending"
	OrderSold      = "sold"
	OrderCancelled = "cancelled"
)

// TicketAvailable is the display status of an index no order claims.
const TicketAvailable = "available"

// Raffle represents a lottery event with a pool of TotalTickets numbers.
type Raffle struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	TotalTickets   int             `json:"total_tickets"`
	NumberingStart int             `json:"numbering_start"`
	TicketPrice    decimal.Decimal `json:"ticket_price"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TicketRange is an inclusive run of zero-based ticket indices.
type TicketRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns how many indices the range covers.
func (r TicketRange) Len() int {
	return r.End - r.Start + 1
}

// BuyerInfo is written once when the order is created.
type BuyerInfo struct {
	Name  string `json:"name" validate:"required,max=120"`
	Email string `json:"email" validate:"omitempty,email"`
	Phone string `json:"phone" validate:"omitempty,max=32"`
}

// Order is the unit of claim: one buyer holding one or more ticket indices.
type Order struct {
	ID              string        `json:"id"`
	RaffleID        string        `json:"raffle_id"`
	OrganizationID  string        `json:"organization_id"`
	ReferenceCode   string        `json:"reference_code"`
	Status          string        `json:"status"`
	TicketRanges    []TicketRange `json:"ticket_ranges"`
	LuckyIndices    []int         `json:"lucky_indices"`
	TicketCount     int           `json:"ticket_count"`
	Buyer           BuyerInfo     `json:"buyer"`
	PaymentProofURL string        `json:"payment_proof_url,omitempty"`
	ReservedAt      time.Time     `json:"reserved_at"`
	ReservedUntil   *time.Time    `json:"reserved_until"`
	SoldAt          *time.Time    `json:"sold_at,omitempty"`
	CanceledAt      *time.Time    `json:"canceled_at,omitempty"`
}

// Claims reports whether the order is one that holds its indices.
func (o Order) Claims() bool {
	return o.Status == OrderReserved || o.Status == OrderPending || o.Status == OrderSold
}

// Counts is the aggregate view of a raffle's pool.
type Counts struct {
	RaffleID   string          `json:"raffle_id"`
	Total      int             `json:"total"`
	Sold       int             `json:"sold"`
	Reserved   int             `json:"reserved"`
	Pending    int             `json:"pending"`
	Available  int             `json:"available"`
	SoldAmount decimal.Decimal `json:"sold_amount"`
}

// VirtualTicket is the derived status of a single index.
type VirtualTicket struct {
	Index   int    `json:"index"`
	Number  string `json:"number"`
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
}

// ExpiredOrderSummary describes one order released by a sweep.
type ExpiredOrderSummary struct {
	OrderID       string    `json:"order_id"`
	RaffleID      string    `json:"raffle_id"`
	ReferenceCode string    `json:"reference_code"`
	BuyerName     string    `json:"buyer_name"`
	TicketCount   int       `json:"ticket_count"`
	ReservedUntil time.Time `json:"reserved_until"`
}

// ExpiryNotice groups every order of one organization expired in a sweep,
// so the organizer gets a single message per run.
type ExpiryNotice struct {
	OrganizationID string                `json:"organization_id"`
	RaffleIDs      []string              `json:"raffle_ids"`
	Orders         []ExpiredOrderSummary `json:"orders"`
}

// SweepResult reports one run of the expiration sweeper.
type SweepResult struct {
	ExpiredOrdersCancelled int       `json:"expired_orders_cancelled"`
	ExpiredTicketsReleased int       `json:"expired_tickets_released"`
	BatchesProcessed       int       `json:"batches_processed"`
	CancelledPurged        int64     `json:"cancelled_purged"`
	PendingPurged          int64     `json:"pending_purged"`
	RafflesTouched         []string  `json:"raffles_touched"`
	AutoScaled             bool      `json:"auto_scaled"`
	StartedAt              time.Time `json:"started_at"`
	Duration               string    `json:"duration"`
}
