package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/roach88/smartaudit/internal/chain"
	"github.com/roach88/smartaudit/internal/engine"
	"github.com/roach88/smartaudit/internal/report"
	"github.com/roach88/smartaudit/internal/store"
)

// MaxJobBodyBytes bounds a POST /jobs request body.
const MaxJobBodyBytes = 4 << 20

// Cases reads the local case view.
type Cases interface {
	Get(ctx context.Context, id uint64) (store.Case, error)
	ListByUser(ctx context.Context, user string, page, limit int, now time.Time) ([]store.CaseSummary, error)
}

// Jobs schedules pipeline runs.
type Jobs interface {
	Submit(ctx context.Context, jobID uint64, source string) (string, error)
}

// Ledger reads live on-chain job state.
type Ledger interface {
	Job(ctx context.Context, id uint64) (chain.JobState, error)
}

// Server holds the handler dependencies.
type Server struct {
	cases   Cases
	jobs    Jobs
	reports report.Store
	ledger  Ledger

	logger        *slog.Logger
	now           func() time.Time
	limiter       *RateLimiter
	corsOrigins   []string
	ledgerTimeout time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLedger enables the on-chain cross-check on GET /cases/{id}.
func WithLedger(l Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithNow sets the time source used for status derivation.
func WithNow(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithRateLimiter installs per-IP rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithCORSOrigins sets the allowed origins. Default is any origin.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// NewServer builds a Server.
func NewServer(cases Cases, jobs Jobs, reports report.Store, opts ...Option) *Server {
	s := &Server{
		cases:         cases,
		jobs:          jobs,
		reports:       reports,
		logger:        slog.Default(),
		now:           time.Now,
		corsOrigins:   []string{"*"},
		ledgerTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/cases", s.handleListCases)
		r.Get("/cases/{id}", s.handleGetCase)
		r.Get("/reports/{id}", s.handleGetReport)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.DebugContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobRequest struct {
	ID     *uint64 `json:"id"`
	Source string  `json:"source"`
}

type jobResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
	RunID  string `json:"runId"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxJobBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ID == nil {
		writeBadRequest(w, r, "id is required")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		writeBadRequest(w, r, "source is required")
		return
	}

	runID, err := s.jobs.Submit(r.Context(), *req.ID, req.Source)
	switch {
	case errors.Is(err, engine.ErrJobInFlight):
		writeConflict(w, r, fmt.Sprintf("job %d is already running", *req.ID))
		return
	case errors.Is(err, engine.ErrJobTerminal):
		writeConflict(w, r, fmt.Sprintf("job %d is already finished", *req.ID))
		return
	case errors.Is(err, engine.ErrClosed):
		writeProblem(w, r, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ID: *req.ID, Status: "queued", RunID: runID})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := strings.TrimSpace(q.Get("user"))
	if user == "" {
		writeBadRequest(w, r, "user is required")
		return
	}
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeBadRequest(w, r, "page must be an integer")
		return
	}
	limit, err := intParam(q.Get("limit"), store.DefaultPageLimit)
	if err != nil {
		writeBadRequest(w, r, "limit must be an integer")
		return
	}

	list, err := s.cases.ListByUser(r.Context(), user, page, limit, s.now())
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// caseView is GET /cases/{id}. Onchain is null when the ledger read fails
// or no ledger is configured.
type caseView struct {
	ID             uint64          `json:"id"`
	User           string          `json:"user"`
	Amount         string          `json:"amount"`
	PaidTx         string          `json:"paid_tx,omitempty"`
	PaidBlock      uint64          `json:"paid_block,omitempty"`
	PaidTime       *int64          `json:"paid_time"`
	Status         store.Status    `json:"status"`
	Completed      bool            `json:"completed"`
	ReportRef      string          `json:"report_cid,omitempty"`
	CompletedTx    string          `json:"completed_tx,omitempty"`
	CompletedBlock uint64          `json:"completed_block,omitempty"`
	CompletedTime  *int64          `json:"completed_time,omitempty"`
	Failed         bool            `json:"failed"`
	FailReason     string          `json:"fail_reason,omitempty"`
	Refunded       bool            `json:"refunded"`
	RefundedTx     string          `json:"refunded_tx,omitempty"`
	RefundedTime   *int64          `json:"refunded_time,omitempty"`
	Onchain        *chain.JobState `json:"onchain"`
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	c, err := s.cases.Get(r.Context(), id)
	if errors.Is(err, store.ErrCaseNotFound) {
		writeNotFound(w, r, "case not found")
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}

	view := caseView{
		ID:             c.ID,
		User:           c.User,
		Amount:         c.Amount,
		PaidTx:         c.PaidTx,
		PaidBlock:      c.PaidBlock,
		PaidTime:       c.PaidTime,
		Status:         store.DeriveStatus(c, s.now()),
		Completed:      c.Completed,
		ReportRef:      c.ReportRef,
		CompletedTx:    c.CompletedTx,
		CompletedBlock: c.CompletedBlock,
		CompletedTime:  c.CompletedTime,
		Failed:         c.Failed,
		FailReason:     c.FailReason,
		Refunded:       c.Refunded,
		RefundedTx:     c.RefundedTx,
		RefundedTime:   c.RefundedTime,
		Onchain:        s.onchain(r.Context(), id),
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) onchain(ctx context.Context, id uint64) *chain.JobState {
	if s.ledger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.ledgerTimeout)
	defer cancel()
	js, err := s.ledger.Job(ctx, id)
	if err != nil {
		s.logger.DebugContext(ctx, "on-chain job read failed", "job_id", id, "error", err)
		return nil
	}
	return &js
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.idParam(w, r)
	if !ok {
		return
	}
	art, err := s.reports.Open(r.Context(), id)
	if errors.Is(err, report.ErrNotFound) {
		writeNotFound(w, r, "report not found")
		return
	}
	if err != nil {
		writeInternal(w, r, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", art.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Body)
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeBadRequest(w, r, fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
