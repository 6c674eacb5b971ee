// Package server wires the public HTTP API: streaming, catalog, admin and
// operational endpoints, plus the loopback-only raw listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/onlyvaibhav/streamflix/internal/activity"
	"github.com/onlyvaibhav/streamflix/internal/config"
	"github.com/onlyvaibhav/streamflix/internal/history"
	"github.com/onlyvaibhav/streamflix/internal/library"
	"github.com/onlyvaibhav/streamflix/internal/logging"
	"github.com/onlyvaibhav/streamflix/internal/remote"
	"github.com/onlyvaibhav/streamflix/internal/store"
	"github.com/onlyvaibhav/streamflix/internal/stream"
	"github.com/onlyvaibhav/streamflix/internal/syncer"
	"github.com/onlyvaibhav/streamflix/internal/transcode"
	"github.com/onlyvaibhav/streamflix/internal/worker"
)

const (
	apiRateLimit  = 120 // requests per window per IP on the JSON API
	apiRateWindow = time.Minute

	shutdownGrace = 10 * time.Second
)

// Server holds the HTTP surface and its collaborators.
type Server struct {
	stream  *stream.Handler
	store   *store.Store
	agg     *library.AggCache
	tracker *activity.Tracker
	worker  *worker.Worker
	syncer  *syncer.Syncer
	sup     *transcode.Supervisor
	history *history.Store
	remote  remote.Client
	log     zerolog.Logger

	port         int
	internalPort int
	maxConns     int
	postersDir   string
	backdropsDir string

	jwtSecret     string
	adminUser     string
	adminPassword string
}

// Deps bundles the collaborators a Server needs.
type Deps struct {
	Stream  *stream.Handler
	Store   *store.Store
	Agg     *library.AggCache
	Tracker *activity.Tracker
	Worker  *worker.Worker
	Syncer  *syncer.Syncer
	Sup     *transcode.Supervisor
	History *history.Store
	Remote  remote.Client
}

// New builds a server from config and collaborators.
func New(cfg *config.Config, d Deps) *Server {
	return &Server{
		stream:        d.Stream,
		store:         d.Store,
		agg:           d.Agg,
		tracker:       d.Tracker,
		worker:        d.Worker,
		syncer:        d.Syncer,
		sup:           d.Sup,
		history:       d.History,
		remote:        d.Remote,
		log:           logging.WithComponent("server"),
		port:          cfg.Port,
		internalPort:  cfg.InternalPort,
		maxConns:      cfg.MaxConns,
		postersDir:    cfg.PostersDir(),
		backdropsDir:  cfg.BackdropsDir(),
		jwtSecret:     cfg.JWTSecret,
		adminUser:     cfg.AdminUser,
		adminPassword: cfg.AdminPassword,
	}
}

// Router assembles the public route table.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(requestLogger)

	// Streaming stays outside compression and rate limiting so range
	// requests and flushes pass through untouched.
	r.Route("/stream/{id}", func(r chi.Router) {
		r.Get("/", s.stream.ServeStream)
		r.Head("/", s.stream.ServeStream)
		r.Get("/tracks", s.stream.ServeTracks)
		r.Get("/subtitle/{index}", s.stream.ServeSubtitle)
		r.Get("/heartbeat", s.stream.ServeHeartbeat)
	})

	fileServer(r, "/posters", s.postersDir)
	fileServer(r, "/backdrops", s.backdropsDir)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// JSON API: rate limited per IP, brotli for willing clients.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(apiRateLimit, apiRateWindow))
		r.Use(compressJSON)

		r.Get("/metadata", s.handleLibrary)
		r.Get("/metadata/{id}", s.handleMetadata)
		r.Get("/tv/{id}", s.handleShow)
		r.Get("/search", s.handleSearch)
		r.Get("/progress", s.handleProgressRecent)
		r.Get("/progress/{id}", s.handleProgressGet)
		r.Put("/progress/{id}", s.handleProgressPut)
		r.Delete("/progress/{id}", s.handleProgressDelete)

		r.Post("/admin/login", s.handleLogin)
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/metadata/{id}/fix", s.handleFix)
			r.Post("/metadata/{id}/refetch", s.handleRefetch)
			r.Post("/sync-telegram", s.handleSync)
			r.Post("/rebuild-tv-caches", s.handleRebuildTV)
			r.Get("/worker-status", s.handleWorkerStatus)
			r.Post("/worker/pause", s.handleWorkerPause)
			r.Post("/worker/resume", s.handleWorkerResume)
		})
	})
	return r
}

// InternalRouter serves the raw byte endpoint for the loopback media tools.
func (s *Server) InternalRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/internal/raw/{id}", s.stream.ServeRaw)
	r.Head("/internal/raw/{id}", s.stream.ServeRaw)
	return r
}

func fileServer(r chi.Router, prefix, dir string) {
	fs := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	r.Get(prefix+"/*", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=86400")
		fs.ServeHTTP(w, req)
	})
}

// Run serves both listeners until ctx is cancelled, then drains them and
// kills any live transcodes.
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{Handler: s.Router()}
	internal := &http.Server{Handler: s.InternalRouter()}

	publicLn, err := s.listen(s.port, true)
	if err != nil {
		return err
	}
	internalLn, err := s.listen(s.internalPort, false)
	if err != nil {
		publicLn.Close()
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- public.Serve(publicLn) }()
	go func() { errCh <- internal.Serve(internalLn) }()
	s.log.Info().Int("port", s.port).Int("internal_port", s.internalPort).Msg("listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	public.Shutdown(shutCtx)
	internal.Shutdown(shutCtx)
	if s.sup != nil {
		s.sup.KillAll()
	}
	return nil
}

func (s *Server) listen(port int, capped bool) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", port, err)
	}
	if capped && s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	return ln, nil
}
