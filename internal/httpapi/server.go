// Package httpapi exposes the control plane's REST and WebSocket surface
// over chi/v5: JSON in/out, explicit status codes, one handler per route.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/ludash/controlplane/internal/livebus"
	"github.com/ludash/controlplane/internal/notify"
	"github.com/ludash/controlplane/internal/orchestrator"
	"github.com/ludash/controlplane/internal/store"
	"github.com/ludash/controlplane/internal/vault"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the HTTP layer
// drives. Declared as an interface so handlers can be tested against a
// fake without a real SSH stack.
type Orchestrator interface {
	Check(ctx context.Context, hostID int64) error
	UpgradeAll(ctx context.Context, hostID int64) error
	FullUpgradeAll(ctx context.Context, hostID int64) error
	UpgradeOne(ctx context.Context, hostID int64, pkg string) error
	Reboot(ctx context.Context, hostID int64) error
	ActiveOperation(hostID int64) *orchestrator.ActiveOperation
}

// Server wires the store, orchestrator, live bus, and channel manager into
// an http.Handler.
type Server struct {
	store      store.Store
	orch       Orchestrator
	bus        *livebus.Bus
	channels   *notify.Channels
	vault      *vault.Vault
	log        zerolog.Logger
	jobs       *jobRegistry
	trustProxy bool

	metricsHandler http.Handler
}

// SetMetricsHandler wires h to serve GET /metrics, replacing the 404
// placeholder. cmd/controlplane calls this with the prometheus registry's
// handler; httpapi itself has no dependency on the metrics package.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metricsHandler = h
}

func NewServer(st store.Store, orch Orchestrator, bus *livebus.Bus, channels *notify.Channels, v *vault.Vault, trustProxy bool, log zerolog.Logger) *Server {
	return &Server{
		store:      st,
		orch:       orch,
		bus:        bus,
		channels:   channels,
		vault:      v,
		log:        log,
		jobs:       newJobRegistry(),
		trustProxy: trustProxy,
	}
}

// Router builds the chi router with every route the control plane serves.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/hosts", func(r chi.Router) {
		r.Get("/", s.handleListHosts)
		r.Post("/", s.handleCreateHost)
		r.Route("/{hostID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateHost)
			r.Delete("/", s.handleDeleteHost)
			r.Post("/check", s.handleCheck)
			r.Post("/upgrade-all", s.handleUpgradeAll)
			r.Post("/full-upgrade-all", s.handleFullUpgradeAll)
			r.Post("/upgrade/{pkg}", s.handleUpgradeOne)
			r.Post("/reboot", s.handleReboot)
			r.Get("/updates", s.handleListUpdates)
			r.Get("/history", s.handleListHistory)
			r.Get("/live", s.handleLive)
		})
	})

	r.Get("/api/jobs/{jobID}", s.handleGetJob)

	r.Route("/api/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Post("/", s.handleCreateChannel)
		r.Route("/{channelID}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateChannel)
			r.Delete("/", s.handleDeleteChannel)
			r.Post("/test", s.handleTestChannel)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics delegates to the handler set by SetMetricsHandler, or 404s
// if cmd/controlplane never wired one.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsHandler == nil {
		http.Error(w, "metrics not registered", http.StatusNotFound)
		return
	}
	s.metricsHandler.ServeHTTP(w, r)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
