// Package validation gates reservation requests before they reach the
// coordinator. Nothing here touches storage.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/models"
)

// MaxTicketsPerRequest caps how many indices one reservation may claim.
const MaxTicketsPerRequest = 100

// MaxTotalTickets is the largest pool a raffle may define.
const MaxTotalTickets = 10_000_000

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request checks requested indices against the raffle's bounds and state.
func Request(raffle models.Raffle, indices []int) error {
	if raffle.Status != models.RaffleActive {
		return apperrors.NewValidationError("raffle", fmt.Sprintf("raffle is %s, not active", raffle.Status))
	}
	if len(indices) == 0 {
		return apperrors.NewValidationError("indices", "at least one ticket is required")
	}
	if len(indices) > MaxTicketsPerRequest {
		return apperrors.NewValidationError("indices",
			fmt.Sprintf("%d tickets requested, at most %d allowed", len(indices), MaxTicketsPerRequest))
	}

	seen := make(map[int]struct{}, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= raffle.TotalTickets {
			return apperrors.NewValidationError("indices",
				fmt.Sprintf("index %d outside [0, %d)", idx, raffle.TotalTickets))
		}
		if _, dup := seen[idx]; dup {
			return apperrors.NewValidationError("indices", fmt.Sprintf("index %d requested twice", idx))
		}
		seen[idx] = struct{}{}
	}
	return nil
}

// Buyer checks the write-once buyer identity fields.
func Buyer(b models.BuyerInfo) error {
	if strings.TrimSpace(b.Name) == "" {
		return apperrors.NewValidationError("buyer.name", "required")
	}
	if err := validate.Struct(b); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperrors.NewValidationError("buyer."+strings.ToLower(fe.Field()), "failed "+fe.Tag())
		}
		return apperrors.NewValidationError("buyer", err.Error())
	}
	return nil
}

// Raffle checks the definition of a new raffle.
func Raffle(r models.Raffle) error {
	if strings.TrimSpace(r.OrganizationID) == "" {
		return apperrors.NewValidationError("organization_id", "required")
	}
	if strings.TrimSpace(r.Name) == "" {
		return apperrors.NewValidationError("name", "required")
	}
	if r.TotalTickets < 1 || r.TotalTickets > MaxTotalTickets {
		return apperrors.NewValidationError("total_tickets",
			fmt.Sprintf("must be between 1 and %d", MaxTotalTickets))
	}
	if r.NumberingStart < 0 {
		return apperrors.NewValidationError("numbering_start", "must not be negative")
	}
	if r.TicketPrice.IsNegative() {
		return apperrors.NewValidationError("ticket_price", "must not be negative")
	}
	return nil
}

var raffleTransitions = map[string][]string{
	models.RaffleDraft:  {models.RaffleActive, models.RaffleCancelled},
	models.RaffleActive: {models.RaffleCompleted, models.RaffleCancelled},
}

// RaffleTransition checks an organizer status change.
func RaffleTransition(from, to string) error {
	for _, allowed := range raffleTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperrors.NewValidationError("status", fmt.Sprintf("raffle cannot move from %s to %s", from, to))
}

var orderTransitions = map[string][]string{
	models.OrderReserved: {models.OrderPending, models.OrderSold, models.OrderCancelled},
	models.OrderPending:  {models.OrderSold, models.OrderCancelled},
}

// OrderTransition checks a status change requested by the payment workflow.
func OrderTransition(from, to string) error {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperrors.NewValidationError("status", fmt.Sprintf("order cannot move from %s to %s", from, to))
}

// ProofURL checks the link to an uploaded payment proof.
func ProofURL(u string) error {
	if err := validate.Var(u, "required,url,max=2048"); err != nil {
		return apperrors.NewValidationError("payment_proof_url", "must be a valid URL")
	}
	return nil
}
