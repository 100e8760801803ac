// internal/api/server.go
// Package api is the HTTP surface of the deal engine. Handlers stay thin:
// decode, validate, call the owning service, encode. All error translation
// goes through the shared ErrorHandler so the wire shape is uniform.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "deal-engine/internal/common/errors"
	"deal-engine/internal/common/logger"
	"deal-engine/internal/common/observability"
	"deal-engine/internal/negotiation"
	"deal-engine/internal/registry"
	"deal-engine/internal/settlement"
	"deal-engine/internal/shortlist"
	"deal-engine/internal/sweep"
)

// Server wires the domain services to HTTP routes.
type Server struct {
	lists       *shortlist.Service
	offers      *negotiation.Service
	settlements *settlement.Service
	cars        *registry.Repo
	sweeper     *sweep.Sweeper
	cronSecret  string

	errs   *apperrors.ErrorHandler
	logger logger.Logger
	obs    *observability.Observability

	healthCheck func(ctx context.Context) error
}

type Options struct {
	Shortlist   *shortlist.Service
	Negotiation *negotiation.Service
	Settlement  *settlement.Service
	Cars        *registry.Repo
	Sweeper     *sweep.Sweeper
	CronSecret  string
	Logger      logger.Logger
	Obs         *observability.Observability

	// HealthCheck probes backing stores for /healthz. Nil means always
	// healthy.
	HealthCheck func(ctx context.Context) error
}

func NewServer(opts Options) *Server {
	return &Server{
		lists:       opts.Shortlist,
		offers:      opts.Negotiation,
		settlements: opts.Settlement,
		cars:        opts.Cars,
		sweeper:     opts.Sweeper,
		cronSecret:  opts.CronSecret,
		errs:        apperrors.NewErrorHandler(opts.Logger),
		logger:      opts.Logger.WithFields(map[string]interface{}{"component": "api"}),
		obs:         opts.Obs,
		healthCheck: opts.HealthCheck,
	}
}

// Routes builds the full handler chain: mux wrapped in recovery, logging and
// metrics middleware.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Customer surface.
	mux.HandleFunc("GET /api/customer/deal-status", s.handleDealStatus)
	mux.HandleFunc("POST /api/customer/deal-request", s.handleCreateDealRequest)
	mux.HandleFunc("POST /api/customer/accept-offer", s.handleAcceptOffer)
	mux.HandleFunc("POST /api/customer/decline-offer", s.handleDeclineOffer)
	mux.HandleFunc("POST /api/customer/cancel-deal", s.handleCustomerCancelSelection)
	mux.HandleFunc("POST /api/customer/cancel-accepted-deal", s.handleCancelAcceptedDeal)
	mux.HandleFunc("POST /api/customer/schedule-test-drive", s.handleScheduleTestDrive)

	// Dealer surface.
	mux.HandleFunc("POST /api/dealer/submit-offer", s.handleSubmitOffer)
	mux.HandleFunc("POST /api/dealer/dead-deal", s.handleDeadDeal)
	mux.HandleFunc("POST /api/dealer/mark-as-sold", s.handleMarkSold)
	mux.HandleFunc("POST /api/dealer/cancel-deal", s.handleDealerCancelSelection)

	// Public catalogue.
	mux.HandleFunc("GET /api/cars", s.handleListCars)

	// Ops surface.
	mux.HandleFunc("GET /api/cron/auto-sold", s.handleAutoSoldSweep)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return s.recoveryMiddleware(s.metricsMiddleware(s.loggingMiddleware(mux)))
}

// requireCronAuth checks the Bearer token on the cron trigger. An empty
// configured secret disables the check (local development).
func (s *Server) requireCronAuth(r *http.Request) bool {
	if s.cronSecret == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) == 1
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
