package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"skuwatch/internal/config"
	"skuwatch/internal/handler"
	"skuwatch/internal/history"
	"skuwatch/internal/hub"
	"skuwatch/internal/probe"
	"skuwatch/internal/registry"
	"skuwatch/internal/scan"
	"skuwatch/internal/service"
	"skuwatch/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "skuwatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Info().Bool("debug", cfg.Debug).Msg("starting skuwatch")

	// Scan targets: explicit config wins, otherwise derive from the
	// selected interface.
	targets := cfg.Targets
	if len(targets) == 0 {
		targets, err = scan.DetectTargets(cfg.Interface)
		if err != nil {
			return fmt.Errorf("detect scan targets: %w", err)
		}
	}
	log.Info().Strs("targets", targets).Str("interface", cfg.Interface).Msg("scan targets")

	source := scan.NewNmapSource(targets, cfg.Interface, cfg.Scan.Timeout.Duration(), log)

	prober, err := probe.NewSSHProber(probe.SSHProberConfig{
		User:           cfg.SSH.User,
		KeyPath:        cfg.SSH.KeyPath,
		Password:       cfg.SSH.Password,
		Port:           cfg.SSH.Port,
		ConnectTimeout: cfg.SSH.ConnectTimeout.Duration(),
		CommandTimeout: cfg.SSH.CommandTimeout.Duration(),
	}, log)
	if err != nil {
		return fmt.Errorf("ssh prober: %w", err)
	}

	mdns := probe.NewMDNSResolver(cfg.Probe.MDNSTimeout.Duration(), log)
	resolver := probe.NewResolver(cfg.Domain, cfg.Probe.ResolveTimeout.Duration(), mdns, prober, log)

	reg := registry.New()
	bus := service.NewEventBus()

	// SSE hub
	sseHub := hub.New(log)
	go sseHub.Run()
	hubCh := make(chan service.Event, 100)
	bus.Subscribe(hubCh)
	go func() {
		for ev := range hubCh {
			sseHub.Broadcast(ev)
		}
	}()

	// Optional sqlite audit log
	var histStore *history.Store
	if cfg.HistoryPath != "" {
		histStore, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer histStore.Close()

		histCh := make(chan service.Event, 100)
		bus.Subscribe(histCh)
		go func() {
			for ev := range histCh {
				if err := histStore.Append(context.Background(), ev); err != nil {
					log.Debug().Err(err).Msg("history append failed")
				}
			}
		}()
		log.Info().Str("path", cfg.HistoryPath).Msg("history store opened")
	}

	classifier := service.NewClassifier(resolver, prober, reg, bus, log)
	reconciler := service.NewReconciler(service.ReconcilerConfig{
		Period:        cfg.Scan.Period.Duration(),
		TTL:           cfg.Scan.TTL.Duration(),
		MaxTolerance:  cfg.Scan.MaxTolerance,
		MaxConcurrent: cfg.Probe.MaxConcurrent,
		IgnoreMACs:    cfg.IgnoreMACs,
	}, source, classifier, reg, bus, log)

	loopCtx, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	go reconciler.Run(loopCtx)

	// Hot-reload the ignore list on config file edits. Everything else
	// still requires a restart.
	if path := config.Path(); path != "" {
		w := watcher.New(path, func() {
			reloaded, err := config.Load()
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed")
				return
			}
			reconciler.SetIgnoreMACs(reloaded.IgnoreMACs)
		}, log)
		go func() {
			if err := w.Watch(loopCtx); err != nil && err != context.Canceled {
				log.Warn().Err(err).Msg("config watcher exited")
			}
		}()
	}

	h := handler.New(reg, histStore, sseHub, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	loopCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("stopped")
	return nil
}
