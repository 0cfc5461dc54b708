package dreamwindow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/luxiasl/dreamwindow/pkg/config"
	"github.com/luxiasl/dreamwindow/pkg/frames"
	"github.com/luxiasl/dreamwindow/pkg/pod"
	"github.com/luxiasl/dreamwindow/pkg/presence"
	"github.com/luxiasl/dreamwindow/pkg/registry"
	"github.com/luxiasl/dreamwindow/pkg/server"
	"github.com/luxiasl/dreamwindow/pkg/store"
	"github.com/luxiasl/dreamwindow/pkg/stream"
	"github.com/luxiasl/dreamwindow/pkg/system"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the Dream Window server",
		Long:  "Start the Dream Window streaming server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := serve(cmd); err != nil {
				log.Fatal().Err(err).Msg("failed to run server")
			}
			return nil
		},
	}
}

func serve(cmd *cobra.Command) error {
	system.SetupLogging()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("failed to load server config: %w", err)
	}

	cm := system.NewCleanupManager()
	defer cm.Cleanup(cmd.Context())

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	cache := frames.NewCache(cfg.Dreams.FrameCacheSize)

	stateStore := store.NewStore(cfg.Dreams.StateDir)
	cm.Add(func(_ context.Context) error {
		stateStore.Close()
		return nil
	})

	var orch pod.Orchestrator
	if cfg.Orchestrator.URL != "" {
		orch = pod.NewAdminClient(cfg.Orchestrator.URL, cfg.Orchestrator.Token)
	} else {
		log.Warn().Msg("no orchestrator configured, pod lifecycle management disabled")
	}

	if cfg.Dreams.ProducerToken == "" {
		log.Warn().Msg("no producer token configured, producer socket runs in dev mode")
	}

	// Presence, hub and pod controller reference each other; the callback
	// closures resolve after everything below is constructed, before the
	// server accepts any connection.
	var (
		hub        *stream.Hub
		controller *pod.Controller
	)

	tracker := presence.NewTracker(
		cfg.Dreams.ShutdownDelay,
		cfg.Dreams.APITimeout,
		func() {
			if err := controller.Start(context.Background()); err != nil && !errors.Is(err, pod.ErrNotConfigured) {
				log.Error().Err(err).Msg("pod start failed")
			}
		},
		func() {
			// Give the producer a chance to flush its state before the
			// pods go away. Best-effort on both counts.
			if hub.ProducerConnected() {
				if err := hub.RequestSaveState(); err != nil {
					log.Warn().Err(err).Msg("save-state request before shutdown failed")
				} else {
					time.Sleep(2 * time.Second)
				}
			}
			if err := controller.Stop(context.Background()); err != nil && !errors.Is(err, pod.ErrNotConfigured) {
				log.Error().Err(err).Msg("pod stop failed")
			}
		},
	)

	hub = stream.NewHub(cache, tracker, stateStore, cfg.Dreams.ProducerToken)
	hub.Queue().SetTargetFPS(cfg.Dreams.TargetFPS)

	controller = pod.NewController(orch, hub.OnPodStateChange)
	tracker.SetPodChecker(controller)
	hub.SetPodNotifier(controller)

	srv := server.NewServer(server.Options{
		Config:   cfg,
		Hub:      hub,
		Cache:    cache,
		Presence: tracker,
		Pod:      controller,
		Store:    stateStore,
		Registry: registry.New(),
	})

	log.Info().Msgf("Dream Window server listening on %s:%d", cfg.WebServer.Host, cfg.WebServer.Port)

	return srv.ListenAndServe(ctx)
}
