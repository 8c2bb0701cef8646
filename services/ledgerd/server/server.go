// Package server exposes the ledgerd HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"coopledger/observability"
	"coopledger/services/ledgerd/broadcast"
	"coopledger/services/ledgerd/chain"
	"coopledger/services/ledgerd/models"
	"coopledger/services/ledgerd/notify"
	"coopledger/services/ledgerd/provision"
	"coopledger/services/ledgerd/scanner"
	"coopledger/services/ledgerd/store"
)

// Records answers ledger queries.
type Records interface {
	Find(ctx context.Context, f store.Filter) ([]models.TransactionRecord, error)
	FindByHash(ctx context.Context, hash string) ([]models.TransactionRecord, error)
}

// Broadcaster accepts client-signed operations.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID string, op chain.SignedOperation) (string, error)
}

// Scanner runs a reconciliation sweep on demand.
type Scanner interface {
	Run(ctx context.Context) (scanner.Report, error)
}

// Provisioner creates tenants.
type Provisioner interface {
	Provision(ctx context.Context, req provision.Request) (*models.Cooperative, error)
}

// QueueStats reports job counts.
type QueueStats interface {
	Stats(ctx context.Context) (map[string]map[models.JobStatus]int64, error)
}

// QueryCache caches tenant-scoped query results.
type QueryCache interface {
	Get(ctx context.Context, tenantID, key string, dest any) (bool, error)
	Set(ctx context.Context, tenantID, key string, value any) error
}

// HealthChecker reports dependency health.
type HealthChecker func(ctx context.Context) error

// Config captures the dependencies required to construct the server.
type Config struct {
	Records     Records
	Broadcaster Broadcaster
	Scanner     Scanner
	Provisioner Provisioner
	Queues      QueueStats
	Hub         *notify.Hub
	Cache       QueryCache
	TenantAuth  *TenantAuthenticator
	AdminAuth   *AdminAuthenticator
	Limiter     *RateLimiter
	Health      map[string]HealthChecker
	Logger      *slog.Logger

	// AllowedOrigins are host patterns accepted on the notification websocket besides the
	// server's own origin.
	AllowedOrigins []string
}

// Server routes ledgerd HTTP requests.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router http.Handler
}

const maxQueryLimit = 500

// New constructs the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(5, 10)
	}
	s := &Server{cfg: cfg, logger: logger}
	s.router = s.buildRouter()
	return s
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "ledgerd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(instrument)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.cfg.TenantAuth.Middleware)
		v1.With(s.cfg.Limiter.Middleware("broadcast")).Post("/transactions", s.handleBroadcast)
		v1.Get("/transactions", s.handleListTransactions)
		v1.Get("/transactions/{hash}", s.handleGetTransaction)
		v1.Get("/notifications", s.handleNotifications)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.cfg.AdminAuth.Middleware)
		admin.Post("/scan", s.handleScan)
		admin.Post("/tenants", s.handleProvision)
		admin.Get("/queues", s.handleQueues)
	})
	return r
}

// instrument records per-route request metrics.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.cfg.Health))
	status := http.StatusOK
	for name, check := range s.cfg.Health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"status": http.StatusText(status), "checks": checks})
}

type broadcastResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	tenant, _ := TenantFromContext(r.Context())
	var op chain.SignedOperation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&op); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(op.Payload) == 0 || len(op.Signature) == 0 || strings.TrimSpace(op.Operation.CallerID) == "" {
		http.Error(w, "signed operation required", http.StatusBadRequest)
		return
	}
	hash, err := s.cfg.Broadcaster.Broadcast(r.Context(), tenant, op)
	if err != nil {
		var rejected *broadcast.RejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": rejected.Reason})
			return
		}
		s.logger.Error("broadcast failed", slog.String("tenant", tenant), slog.Any("error", err))
		http.Error(w, "broadcast failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, broadcastResponse{Hash: hash})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	tenant, _ := TenantFromContext(r.Context())
	q := r.URL.Query()
	filter := store.Filter{TenantID: tenant, Wallet: strings.TrimSpace(q.Get("wallet")), Limit: maxQueryLimit}
	for _, raw := range splitList(q.Get("type")) {
		t := models.TxType(raw)
		if !t.Valid() {
			http.Error(w, "unknown type "+raw, http.StatusBadRequest)
			return
		}
		filter.Types = append(filter.Types, t)
	}
	for _, raw := range splitList(q.Get("state")) {
		state := models.TxState(strings.ToUpper(raw))
		switch state {
		case models.StatePending, models.StateMined, models.StateFailed:
		default:
			http.Error(w, "unknown state "+raw, http.StatusBadRequest)
			return
		}
		filter.States = append(filter.States, state)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n < maxQueryLimit {
			filter.Limit = n
		}
	}

	key := "tx:" + r.URL.RawQuery
	var records []models.TransactionRecord
	if s.cfg.Cache != nil {
		hit, err := s.cfg.Cache.Get(r.Context(), tenant, key, &records)
		if err != nil {
			s.logger.Warn("query cache read failed", slog.String("tenant", tenant), slog.Any("error", err))
		}
		if hit {
			writeJSON(w, http.StatusOK, records)
			return
		}
	}
	records, err := s.cfg.Records.Find(r.Context(), filter)
	if err != nil {
		s.logger.Error("query transactions", slog.String("tenant", tenant), slog.Any("error", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.TransactionRecord{}
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Set(r.Context(), tenant, key, records); err != nil {
			s.logger.Warn("query cache write failed", slog.String("tenant", tenant), slog.Any("error", err))
		}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	tenant, _ := TenantFromContext(r.Context())
	hash := chi.URLParam(r, "hash")
	records, err := s.cfg.Records.FindByHash(r.Context(), hash)
	if err != nil {
		s.logger.Error("query transaction", slog.String("hash", hash), slog.Any("error", err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	scoped := records[:0]
	for _, rec := range records {
		if rec.TenantID == tenant {
			scoped = append(scoped, rec)
		}
	}
	if len(scoped) == 0 {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, scoped)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Scanner.Run(r.Context())
	if err != nil {
		s.logger.Error("manual scan failed", slog.Any("error", err))
		http.Error(w, "scan failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req provision.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	coop, err := s.cfg.Provisioner.Provision(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, coop)
	case errors.Is(err, provision.ErrTenantExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, provision.ErrProvisioningFailed):
		s.logger.Error("provisioning failed", slog.String("tenant", req.TenantID), slog.Any("error", err))
		http.Error(w, "provisioning failed", http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Queues.Stats(r.Context())
	if err != nil {
		http.Error(w, "queue stats unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
