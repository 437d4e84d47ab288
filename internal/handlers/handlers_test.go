package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raffle-engine/internal/db"
	"raffle-engine/internal/lock"
	"raffle-engine/internal/middleware"
	"raffle-engine/internal/models"
	"raffle-engine/internal/services"
)

const adminPassword = "s3cret"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := db.Open(":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	locks := lock.New()
	logger := zap.NewNop()
	svc := services.NewReservationService(store, locks, nil, nil, logger)
	counts := services.NewCountsService(store, nil, 0, logger)
	sweeper := services.NewSweeper(store, locks, nil, nil, nil, services.SweeperConfig{}, logger)

	r := chi.NewRouter()
	auth := middleware.AdminAuth{Password: adminPassword, Logger: logger}
	New(svc, counts, sweeper, logger).Routes(r, auth.Handler)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path string, body interface{}, admin bool) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	if admin {
		req.SetBasicAuth("admin", adminPassword)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func activeRaffle(t *testing.T, srv *httptest.Server, total int) string {
	t.Helper()
	resp, body := call(t, srv, http.MethodPost, "/admin/raffles", map[string]interface{}{
		"organization_id": "org-1",
		"name":            "Gran Rifa",
		"total_tickets":   total,
		"ticket_price":    "2.50",
	}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	id := body["id"].(string)

	resp, body = call(t, srv, http.MethodPost, "/admin/raffles/"+id+"/status", map[string]string{"status": models.RaffleActive}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	return id
}

func TestReservationFlow(t *testing.T) {
	srv := newServer(t)
	raffleID := activeRaffle(t, srv, 100)

	resp, order := call(t, srv, http.MethodPost, "/raffles/"+raffleID+"/reservations", map[string]interface{}{
		"indices": []int{0, 1, 2, 50},
		"buyer":   map[string]string{"name": "Ana", "phone": "+58 412 0000000"},
	}, false)
	require.Equal(t, http.StatusCreated, resp.StatusCode, order)
	assert.Equal(t, "reserved", order["status"])
	assert.Equal(t, float64(4), order["ticket_count"])
	assert.Equal(t, []interface{}{"00", "01", "02", "50"}, order["numbers"])
	orderID := order["id"].(string)
	code := order["reference_code"].(string)

	resp, body := call(t, srv, http.MethodPost, "/raffles/"+raffleID+"/reservations", map[string]interface{}{
		"indices": []int{2, 3},
		"buyer":   map[string]string{"name": "Ben"},
	}, false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["code"])
	assert.Equal(t, []interface{}{float64(2)}, body["conflicts"])

	resp, counts := call(t, srv, http.MethodGet, "/raffles/"+raffleID+"/counts", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(96), counts["available"])
	assert.Equal(t, float64(4), counts["reserved"])

	resp, ticket := call(t, srv, http.MethodGet, "/raffles/"+raffleID+"/tickets/50", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reserved", ticket["status"])
	assert.Equal(t, orderID, ticket["order_id"])

	resp, found := call(t, srv, http.MethodGet, "/orders/lookup/"+code, nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, orderID, found["id"])

	resp, _ = call(t, srv, http.MethodPost, "/orders/"+orderID+"/extend", map[string]int{"minutes": 10}, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, pending := call(t, srv, http.MethodPost, "/orders/"+orderID+"/proof",
		map[string]string{"payment_proof_url": "https://files.example.com/proof.jpg"}, false)
	require.Equal(t, http.StatusOK, resp.StatusCode, pending)
	assert.Equal(t, "pending", pending["status"])
	assert.Nil(t, pending["reserved_until"])

	resp, sold := call(t, srv, http.MethodPost, "/admin/orders/"+orderID+"/status", map[string]string{"status": "sold"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode, sold)
	assert.Equal(t, "sold", sold["status"])

	resp, counts = call(t, srv, http.MethodGet, "/raffles/"+raffleID+"/counts", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), counts["sold"])
	assert.Equal(t, "10", counts["sold_amount"])
}

func TestErrors(t *testing.T) {
	srv := newServer(t)
	raffleID := activeRaffle(t, srv, 10)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown raffle", http.MethodGet, "/raffles/nope/counts", nil, http.StatusNotFound, "not_found"},
		{"unknown order", http.MethodGet, "/orders/nope", nil, http.StatusNotFound, "not_found"},
		{"malformed code", http.MethodGet, "/orders/lookup/abc", nil, http.StatusBadRequest, "validation"},
		{"index not a number", http.MethodGet, "/raffles/" + raffleID + "/tickets/x", nil, http.StatusBadRequest, "validation"},
		{"index out of range", http.MethodGet, "/raffles/" + raffleID + "/tickets/10", nil, http.StatusBadRequest, "validation"},
		{"out of range reservation", http.MethodPost, "/raffles/" + raffleID + "/reservations",
			map[string]interface{}{"indices": []int{10}, "buyer": map[string]string{"name": "Ana"}}, http.StatusBadRequest, "validation"},
		{"unknown field", http.MethodPost, "/raffles/" + raffleID + "/reservations",
			map[string]interface{}{"tickets": []int{1}}, http.StatusBadRequest, "validation"},
		{"negative duration", http.MethodPost, "/raffles/" + raffleID + "/reservations",
			map[string]interface{}{"indices": []int{1}, "buyer": map[string]string{"name": "Ana"}, "duration_minutes": -1}, http.StatusBadRequest, "validation"},
		{"duration overflowing", http.MethodPost, "/raffles/" + raffleID + "/reservations",
			map[string]interface{}{"indices": []int{1}, "buyer": map[string]string{"name": "Ana"}, "duration_minutes": 307445734561825861}, http.StatusBadRequest, "validation"},
		{"duration over a day", http.MethodPost, "/raffles/" + raffleID + "/reservations",
			map[string]interface{}{"indices": []int{1}, "buyer": map[string]string{"name": "Ana"}, "duration_minutes": 24*60 + 1}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := call(t, srv, tt.method, tt.path, tt.body, false)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, body["code"])
		})
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	srv := newServer(t)

	resp, body := call(t, srv, http.MethodPost, "/admin/sweep", nil, false)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["code"])

	resp, result := call(t, srv, http.MethodPost, "/admin/sweep", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), result["expired_orders_cancelled"])
	assert.Equal(t, []interface{}{}, result["raffles_touched"])
}
