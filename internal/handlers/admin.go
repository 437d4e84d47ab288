package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"raffle-engine/internal/models"
)

type createRaffleRequest struct {
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	TotalTickets   int             `json:"total_tickets"`
	NumberingStart int             `json:"numbering_start"`
	TicketPrice    decimal.Decimal `json:"ticket_price"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// AdminCreateRaffle registers a raffle in draft.
func (h *Handler) AdminCreateRaffle(w http.ResponseWriter, r *http.Request) {
	var req createRaffleRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	raffle, err := h.reservations.CreateRaffle(r.Context(), models.Raffle{
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		TotalTickets:   req.TotalTickets,
		NumberingStart: req.NumberingStart,
		TicketPrice:    req.TicketPrice,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, raffle)
}

// AdminSetRaffleStatus activates, completes or cancels a raffle.
func (h *Handler) AdminSetRaffleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	raffle, err := h.reservations.SetRaffleStatus(r.Context(), chi.URLParam(r, "raffleID"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raffle)
}

// AdminSetOrderStatus approves or releases an order after payment review.
func (h *Handler) AdminSetOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.reservations.SetStatus(r.Context(), chi.URLParam(r, "orderID"), req.Status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, order)
}

// AdminSweep runs one expiration pass now.
func (h *Handler) AdminSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
