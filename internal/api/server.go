package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgallion1/dococr/internal/config"
	"github.com/dgallion1/dococr/internal/extract"
	"github.com/dgallion1/dococr/internal/pipeline"
	"github.com/dgallion1/dococr/internal/progress"
	"github.com/dgallion1/dococr/internal/search"
	"github.com/dgallion1/dococr/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the components the HTTP API serves.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Store        store.Store
	Search       *search.Engine
	Bus          *progress.Bus
	// Stats is optional; nil hides extraction latency from /api/stats.
	Stats *extract.Stats
}

// Server is the HTTP API server for dococr.
type Server struct {
	router       chi.Router
	orchestrator *pipeline.Orchestrator
	store        store.Store
	search       *search.Engine
	bus          *progress.Bus
	stats        *extract.Stats
	log          *slog.Logger
	cfg          config.Config

	// keepAlive is the SSE comment interval.
	keepAlive time.Duration
}

// NewServer creates and configures the HTTP server.
func NewServer(deps Deps, log *slog.Logger, cfg config.Config) *Server {
	s := &Server{
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		search:       deps.Search,
		bus:          deps.Bus,
		stats:        deps.Stats,
		log:          log,
		cfg:          cfg,
		keepAlive:    15 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)
	r.Get("/api/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.cfg.APIKey != "" {
			r.Use(AuthMiddleware(s.cfg.APIKey, s.log))
		}

		r.Post("/api/upload", s.handleUpload)

		r.Get("/api/documents", s.handleListDocuments)
		r.Get("/api/documents/{docID}", s.handleGetDocument)
		r.Get("/api/doc/{docID}", s.handleGetDocument)
		r.Get("/api/documents/{docID}/run", s.handleGetRun)
		r.Post("/api/documents/{docID}/reprocess", s.handleReprocess)
		r.Post("/api/reprocess/{docID}", s.handleReprocess)

		r.Get("/api/events/{docID}", s.handleEvents)

		r.Get("/api/search", s.handleSearch)
		r.Get("/api/stats", s.handleStats)
		r.Post("/api/stats/increment-search", s.handleIncrementSearch)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"status": "ok",
		"time":   time.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]any{"ok": false, "error": msg})
}
