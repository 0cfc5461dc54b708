// Package server is the HTTP edge of the Dream Window service: the
// read-only status and frame endpoints, the state and renderer admin
// surface, and the two WebSocket upgrade points. It translates requests
// into hub and component calls; the streaming logic lives elsewhere.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/config"
	"github.com/luxiasl/dreamwindow/pkg/frames"
	"github.com/luxiasl/dreamwindow/pkg/pod"
	"github.com/luxiasl/dreamwindow/pkg/presence"
	"github.com/luxiasl/dreamwindow/pkg/registry"
	"github.com/luxiasl/dreamwindow/pkg/store"
	"github.com/luxiasl/dreamwindow/pkg/stream"
)

// Options bundles the services the edge API fronts.
type Options struct {
	Config   config.ServerConfig
	Hub      *stream.Hub
	Cache    *frames.Cache
	Presence *presence.Tracker
	Pod      *pod.Controller
	Store    *store.Store
	Registry *registry.Registry
}

type DreamServer struct {
	cfg      config.ServerConfig
	hub      *stream.Hub
	cache    *frames.Cache
	presence *presence.Tracker
	pod      *pod.Controller
	store    *store.Store
	registry *registry.Registry
	limiter  *Limiter
}

func NewServer(opts Options) *DreamServer {
	return &DreamServer{
		cfg:      opts.Config,
		hub:      opts.Hub,
		cache:    opts.Cache,
		presence: opts.Presence,
		pod:      opts.Pod,
		store:    opts.Store,
		registry: opts.Registry,
		limiter:  NewLimiter(opts.Config.RateLimit.Requests, opts.Config.RateLimit.Window),
	}
}

// Router assembles the route table.
func (s *DreamServer) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(securityHeaders)

	router.HandleFunc("/healthz", Wrapper(s.healthz)).Methods(http.MethodGet)

	api := router.PathPrefix("/api/dreams").Subrouter()
	api.HandleFunc("/status", s.rateLimited(Wrapper(s.getStatus))).Methods(http.MethodGet)
	api.HandleFunc("/current", s.rateLimited(s.getCurrentFrame)).Methods(http.MethodGet)
	api.HandleFunc("/embed", Wrapper(s.getEmbed)).Methods(http.MethodGet)

	api.HandleFunc("/state", Wrapper(s.getStateInfo)).Methods(http.MethodGet)
	api.HandleFunc("/state", Wrapper(s.clearState)).Methods(http.MethodDelete)
	api.HandleFunc("/save", Wrapper(s.requestSaveState)).Methods(http.MethodPost)

	api.HandleFunc("/renderer/register", Wrapper(s.registerRenderer)).Methods(http.MethodPost)
	api.HandleFunc("/renderer", Wrapper(s.getRenderer)).Methods(http.MethodGet)
	api.HandleFunc("/renderer", Wrapper(s.unregisterRenderer)).Methods(http.MethodDelete)

	router.HandleFunc("/ws/dreams", s.viewerWebSocket)
	router.HandleFunc("/ws/gpu", s.producerWebSocket)

	return router
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *DreamServer) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.WebServer.Host, s.cfg.WebServer.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *DreamServer) healthz(_ http.ResponseWriter, _ *http.Request) (map[string]string, error) {
	return map[string]string{"status": "ok"}, nil
}
