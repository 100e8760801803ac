package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"deal-engine/internal/common/config"
	"deal-engine/internal/common/database"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/negotiation"
	"deal-engine/internal/notify"
	"deal-engine/internal/registry"
	"deal-engine/internal/settlement"
	"deal-engine/internal/shortlist"
	"deal-engine/internal/sweep"
)

// ==========================
// Test Helper Functions
// ==========================

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	redis, err := database.NewRedis(config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { redis.Close() })

	log := logger.NewZapAdapter(zaptest.NewLogger(t))
	carRepo := registry.NewRepo(db)
	listRepo := shortlist.NewRepo(db)
	offerRepo := negotiation.NewRepo(db)
	dealRepo := settlement.NewRepo(db)

	srv := NewServer(Options{
		Shortlist:   shortlist.NewService(db, listRepo, carRepo, notify.Noop{}, log),
		Negotiation: negotiation.NewService(db, offerRepo, listRepo, carRepo, notify.Noop{}, log),
		Settlement:  settlement.NewService(db, dealRepo, carRepo, listRepo, offerRepo, notify.Noop{}, log),
		Cars:        carRepo,
		Sweeper: sweep.New(db, redis, carRepo, dealRepo, listRepo,
			config.SweepConfig{GraceDays: 3, LockTTL: 300000}, log),
		CronSecret: "cron-secret",
		Logger:     log,
	})
	return srv, mock
}

func doRequest(t *testing.T, srv *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	return rec
}

// ==========================
// Request validation
// ==========================

func TestServer_SubmitOffer_MissingFieldsRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/dealer/submit-offer",
		`{"dealerId": "dealer-1"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestServer_SubmitOffer_NonJSONBodyRejected(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/dealer/submit-offer", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DealStatus_RequiresCustomerID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/customer/deal-status", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_DealStatus_EmptyState(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery(`FROM deal_lists`).
		WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "customer_id", "status", "created_at", "updated_at"}))

	rec := doRequest(t, srv, http.MethodGet, "/api/customer/deal-status?customerId=cust-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status shortlist.DealStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.HasActiveDeal)
	assert.Equal(t, 4, status.MaxCars)
	assert.Equal(t, 4, status.RemainingSlots)
	assert.NotNil(t, status.CarIDsInDeal)
}

// ==========================
// Error mapping
// ==========================

func TestServer_ErrorShape_NotFound(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM accepted_deals`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	rec := doRequest(t, srv, http.MethodPost, "/api/customer/cancel-accepted-deal",
		`{"customerId": "cust-1", "acceptedDealId": "missing"}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["code"])
}

// ==========================
// Cron trigger auth
// ==========================

func TestServer_AutoSoldSweep_RejectsMissingBearer(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cron/auto-sold", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AutoSoldSweep_RejectsWrongSecret(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cron/auto-sold", "",
		http.Header{"Authorization": []string{"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_AutoSoldSweep_RunsWithValidSecret(t *testing.T) {
	srv, mock := newTestServer(t)

	mock.ExpectQuery(`WHERE status = 'pending_sale'`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "dealer_id", "make", "model", "year", "vin", "sale_price",
			"status", "status_changed_at", "created_at", "updated_at",
		}))

	rec := doRequest(t, srv, http.MethodGet, "/api/cron/auto-sold", "",
		http.Header{"Authorization": []string{"Bearer cron-secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var report sweep.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 0, report.Finalized)
}

// ==========================
// Health
// ==========================

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Healthz_ReportsUnhealthy(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewZapAdapter(zaptest.NewLogger(t))
	srv := NewServer(Options{
		Logger: log,
		HealthCheck: func(ctx context.Context) error {
			return assert.AnError
		},
	})

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
