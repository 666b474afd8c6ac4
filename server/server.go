// Package server exposes the funnel engine over HTTP: starting,
// cancelling, pausing, and resuming runs, streaming run events, managing
// stored funnels, integration settings, and cron schedules.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/m-demetrio/ZapOrganic-CRM/bus"
	"github.com/m-demetrio/ZapOrganic-CRM/core"
	"github.com/m-demetrio/ZapOrganic-CRM/engine"
	"github.com/m-demetrio/ZapOrganic-CRM/sse"
	"github.com/m-demetrio/ZapOrganic-CRM/storage"
)

// LeadSource looks up lead snapshots used as run input. Both
// *storage.LeadStore and *storage.MongoLeadStore satisfy it.
type LeadSource interface {
	Get(ctx context.Context, id string) (core.LeadCard, bool, error)
}

// Config configures a Server instance.
type Config struct {
	Engine    *engine.Engine
	Store     *storage.Store
	Schedules *ScheduleStore
	Leads     LeadSource
	Bus       bus.EventBus
	Events    bus.EventStore

	// APIKey is the root key for mutating routes. Empty leaves the API
	// open; set, it also unlocks managed keys under /api/keys.
	APIKey string
	Keys   *KeyStore

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the ZapOrganic HTTP API server.
type Server struct {
	engine     *engine.Engine
	store      *storage.Store
	schedules  *ScheduleStore
	leads      LeadSource
	bus        bus.EventBus
	events     bus.EventStore
	rootKey    string
	keys       *KeyStore
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	schedules := cfg.Schedules
	if schedules == nil && cfg.Store != nil {
		schedules = NewScheduleStore(cfg.Store)
	}
	keys := cfg.Keys
	if keys == nil && cfg.Store != nil {
		keys = NewKeyStore(cfg.Store)
	}
	return &Server{
		engine:     cfg.Engine,
		store:      cfg.Store,
		schedules:  schedules,
		leads:      cfg.Leads,
		bus:        cfg.Bus,
		events:     cfg.Events,
		rootKey:    cfg.APIKey,
		keys:       keys,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Mutating routes require an API key when one is configured; reads
	// and the event stream stay open.
	mux.HandleFunc("POST /api/runs", s.requireAuth(s.handleStartRun))
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("POST /api/runs/{run_id}/cancel", s.requireAuth(s.handleCancelRun))
	mux.HandleFunc("POST /api/runs/{run_id}/pause", s.requireAuth(s.handlePauseRun))
	mux.HandleFunc("POST /api/runs/{run_id}/resume", s.requireAuth(s.handleResumeRun))
	if s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/events", sse.NewHandler(s.events, s.bus))
	}

	mux.HandleFunc("GET /api/funnels", s.handleListFunnels)
	mux.HandleFunc("PUT /api/funnels", s.requireAuth(s.handleReplaceFunnels))
	mux.HandleFunc("GET /api/funnels/{id}", s.handleGetFunnel)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.requireAuth(s.handlePutSettings))

	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", s.requireAuth(s.handleCreateSchedule))
	mux.HandleFunc("GET /api/schedules/{schedule_id}", s.handleGetSchedule)
	mux.HandleFunc("DELETE /api/schedules/{schedule_id}", s.requireAuth(s.handleDeleteSchedule))

	mux.HandleFunc("GET /api/keys", s.requireAuth(s.handleListKeys))
	mux.HandleFunc("POST /api/keys", s.requireAuth(s.handleCreateKey))
	mux.HandleFunc("DELETE /api/keys/{key_id}", s.requireAuth(s.handleDeleteKey))
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
