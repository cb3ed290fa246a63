// Package api exposes the read-only, bearer-token-gated HTTP query
// surface (C6) over the detection engine's derived state: per-user
// tracker snapshots, classifier stage, roster limits, and banlist rows.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/fxshare/detectord/internal/classifier"
	"github.com/fxshare/detectord/internal/tracker"
)

// Tracked is the subset of the user tracker the query API reads.
type Tracked interface {
	Emails() []string
	Get(email string) (*tracker.UserState, bool)
	RecentIPs(email string, window time.Duration, now time.Time) map[string]struct{}
	SharedIPs() map[string][]string
}

// RosterLookup is the subset of the roster cache the query API reads.
type RosterLookup interface {
	Limit(email string) (int, bool)
	IsWhitelisted(email string) bool
	Loaded() bool
	Size() int
}

// Classified is the subset of the classifier the query API drives: it
// reads banlist state through the classifier rather than the Persist
// sink directly so the "disabled persistence -> empty banlist" rule and
// the BanlistCleared fan-out stay in one place.
type Classified interface {
	BanlistEntries() ([]classifier.BanlistRecord, error)
	ClearBanlist(now time.Time) error
	IsBanlisted(email string) bool
	Enrich() classifier.Enrich
}

// NodeProvider exposes the ingest server's connected-collector view.
type NodeProvider interface {
	ConnectedNodes() []string
}

// StatsProvider exposes ingest-side counters not owned by the tracker.
type StatsProvider interface {
	RequestsSeen() uint64
}

// Config controls the query API's own behavior, independent of the
// domain settings it reads through to produce responses.
type Config struct {
	BindAddr       string
	Token          string
	RequestTimeout time.Duration
	CORSOrigins    []string
	ConcurrentWindow time.Duration
	RateLimitEnabled bool
	RateLimitPerMin  int
}

// Server is the query HTTP server.
type Server struct {
	cfg Config

	tracked    Tracked
	roster     RosterLookup
	classified Classified
	nodes      NodeProvider
	stats      StatsProvider

	router     chi.Router
	httpServer *http.Server
	log        zerolog.Logger
	shutdownCh chan struct{}
}

// New creates a query API Server and wires its routes.
func New(cfg Config, tracked Tracked, roster RosterLookup, classified Classified, nodes NodeProvider, stats StatsProvider, log zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		tracked:    tracked,
		roster:     roster,
		classified: classified,
		nodes:      nodes,
		stats:      stats,
		log:        log.With().Str("component", "api").Logger(),
		shutdownCh: make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.Use(metricsMiddleware)

	if s.cfg.RateLimitEnabled {
		rl := newIPRateLimiter(s.cfg.RateLimitPerMin)
		rl.cleanup(s.shutdownCh, 5*time.Minute)
		r.Use(rateLimitMiddleware(rl))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Handle("/metrics", metricsHandler())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)
		r.Get("/users", s.handleUsers)
		r.Get("/violators", s.handleViolators)
		r.Get("/banlist", s.handleBanlist)
		r.Post("/banlist/clear", s.handleBanlistClear)
		r.Get("/user/{email}", s.handleUserDetail)
		r.Get("/nodes", s.handleNodes)
		r.Get("/shared_ips", s.handleSharedIPs)
	})

	s.router = r
}

// authMiddleware enforces the single shared-secret bearer token on every
// /api route; a mismatched or missing token yields 401 per spec.md §4.6.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			s.respondError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// Start binds and serves the query API until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.BindAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.BindAddr).Msg("query api listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("stopping query api")
	close(s.shutdownCh)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the chi router, mainly for tests.
func (s *Server) Router() chi.Router { return s.router }

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := encodeJSON(w, data); err != nil {
			s.log.Error().Err(err).Msg("failed to encode json response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, errorResponse{Error: message})
}
