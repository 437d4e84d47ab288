package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"raffle-engine/internal/apperrors"
	"raffle-engine/internal/models"
	"raffle-engine/internal/services"
	"raffle-engine/internal/tickets"
)

// Reservations is the order and raffle workflow behind the API.
type Reservations interface {
	Reserve(ctx context.Context, raffleID string, indices []int, buyer models.BuyerInfo, duration time.Duration) (models.Order, error)
	Extend(ctx context.Context, orderID string, minutes int) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	FindByReferenceCode(ctx context.Context, code string) (models.Order, error)
	SetStatus(ctx context.Context, orderID, status string) (models.Order, error)
	AttachPaymentProof(ctx context.Context, orderID, proofURL string) (models.Order, error)

	CreateRaffle(ctx context.Context, r models.Raffle) (models.Raffle, error)
	GetRaffle(ctx context.Context, id string) (models.Raffle, error)
	SetRaffleStatus(ctx context.Context, id, status string) (models.Raffle, error)
}

// Counter answers inventory questions.
type Counter interface {
	Counts(ctx context.Context, raffleID string) (models.Counts, error)
	Ticket(ctx context.Context, raffleID string, index int) (models.VirtualTicket, error)
}

// Sweeper runs one expiration pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (models.SweepResult, error)
}

type Handler struct {
	reservations Reservations
	counts       Counter
	sweeper      Sweeper
	logger       *zap.Logger
}

func New(reservations Reservations, counts Counter, sweeper Sweeper, logger *zap.Logger) *Handler {
	return &Handler{reservations: reservations, counts: counts, sweeper: sweeper, logger: logger}
}

// Routes mounts the public API on r and the organizer API under /admin,
// wrapped by adminAuth.
func (h *Handler) Routes(r chi.Router, adminAuth func(http.Handler) http.Handler) {
	r.Route("/raffles/{raffleID}", func(r chi.Router) {
		r.Get("/", h.GetRaffle)
		r.Post("/reservations", h.Reserve)
		r.Get("/counts", h.Counts)
		r.Get("/tickets/{index}", h.Ticket)
	})
	r.Route("/orders", func(r chi.Router) {
		r.Get("/lookup/{code}", h.LookupOrder)
		r.Get("/{orderID}", h.GetOrder)
		r.Post("/{orderID}/extend", h.Extend)
		r.Post("/{orderID}/proof", h.AttachProof)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth)
		r.Post("/raffles", h.AdminCreateRaffle)
		r.Post("/raffles/{raffleID}/status", h.AdminSetRaffleStatus)
		r.Post("/orders/{orderID}/status", h.AdminSetOrderStatus)
		r.Post("/sweep", h.AdminSweep)
	})
}

// maxDurationMinutes is checked before converting to a time.Duration so large
// values cannot wrap around into the accepted window.
const maxDurationMinutes = int(services.MaxReservationDuration / time.Minute)

type reserveRequest struct {
	Indices         []int            `json:"indices"`
	Buyer           models.BuyerInfo `json:"buyer"`
	DurationMinutes int              `json:"duration_minutes"`
}

// orderResponse adds display numbers to an order.
type orderResponse struct {
	models.Order
	Numbers []string `json:"numbers"`
}

func (h *Handler) GetRaffle(w http.ResponseWriter, r *http.Request) {
	raffle, err := h.reservations.GetRaffle(r.Context(), chi.URLParam(r, "raffleID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, raffle)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > maxDurationMinutes {
		h.writeError(w, r, apperrors.NewValidationError("duration_minutes",
			fmt.Sprintf("must be between 0 and %d", maxDurationMinutes)))
		return
	}

	raffleID := chi.URLParam(r, "raffleID")
	duration := time.Duration(req.DurationMinutes) * time.Minute
	order, err := h.reservations.Reserve(r.Context(), raffleID, req.Indices, req.Buyer, duration)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusCreated, order)
}

func (h *Handler) Counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counts.Counts(r.Context(), chi.URLParam(r, "raffleID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *Handler) Ticket(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, apperrors.NewValidationError("index", "must be an integer"))
		return
	}
	ticket, err := h.counts.Ticket(r.Context(), chi.URLParam(r, "raffleID"), index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.reservations.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, order)
}

func (h *Handler) LookupOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.reservations.FindByReferenceCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, order)
}

func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int `json:"minutes"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.reservations.Extend(r.Context(), chi.URLParam(r, "orderID"), req.Minutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, order)
}

func (h *Handler) AttachProof(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentProofURL string `json:"payment_proof_url"`
	}
	if err := decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.reservations.AttachPaymentProof(r.Context(), chi.URLParam(r, "orderID"), req.PaymentProofURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, http.StatusOK, order)
}

func (h *Handler) writeOrder(w http.ResponseWriter, r *http.Request, status int, order models.Order) {
	resp := orderResponse{Order: order, Numbers: []string{}}
	raffle, err := h.reservations.GetRaffle(r.Context(), order.RaffleID)
	if err != nil {
		// The order itself is still valid without display numbers.
		h.logger.Warn("raffle lookup for display numbers failed", zap.String("raffle_id", order.RaffleID), zap.Error(err))
	} else {
		width := tickets.PadWidth(raffle.TotalTickets, raffle.NumberingStart)
		for _, idx := range tickets.Indices(order.TicketRanges, order.LuckyIndices) {
			resp.Numbers = append(resp.Numbers, tickets.FormatDisplay(idx, raffle.NumberingStart, width))
		}
	}
	writeJSON(w, status, resp)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Conflicts []int  `json:"conflicts,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	resp := errorResponse{Error: err.Error(), Code: apperrors.Kind(err)}

	var conflict *apperrors.ConflictError
	if errors.As(err, &conflict) {
		resp.Conflicts = conflict.Conflicts
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			resp.Error = "internal error"
		}
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("body", "invalid JSON: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
