package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goodtune/livestat/internal/config"
	"github.com/goodtune/livestat/internal/gate"
	"github.com/goodtune/livestat/internal/httpapi"
	"github.com/goodtune/livestat/internal/metrics"
	"github.com/goodtune/livestat/internal/poll"
	"github.com/goodtune/livestat/internal/provider"
	"github.com/goodtune/livestat/internal/systemd"
	"github.com/goodtune/livestat/internal/usage"
	"github.com/goodtune/livestat/internal/viewer"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start livestat server",
	Long:  `Start the livestat HTTP API, websocket event stream, usage clock and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting livestat")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clock := quartz.NewReal()

	authority, err := newAuthority(cfg.Token, clock)
	if err != nil {
		return fmt.Errorf("failed to initialize token authority: %w", err)
	}

	replay, closeReplay, err := newReplayCache(cfg.Gate, store)
	if err != nil {
		return fmt.Errorf("failed to initialize replay cache: %w", err)
	}

	sessionGate := gate.New(authority, replay, cfg.Gate.StickyScope, logger)

	logger.Info().
		Str("scheme", cfg.Token.Scheme).
		Dur("window", authority.Window()).
		Str("sticky_scope", cfg.Gate.StickyScope).
		Str("replay_backend", cfg.Gate.ReplayBackend).
		Msg("Session gate initialized")

	usageClock := usage.NewClock(store.Usage(), usage.Config{
		ClientID: cfg.Usage.ClientID,
		Limit:    config.ParseDuration(cfg.Usage.Limit, time.Hour),
	}, clock, logger)

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 10*time.Second)
	err = usageClock.Load(loadCtx)
	cancelLoad()
	if err != nil {
		return fmt.Errorf("failed to load usage counter: %w", err)
	}

	pruner, err := usage.NewPruner(store.Usage(), cfg.Usage.PruneTime, cfg.Usage.RetentionDays, clock, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize usage pruner: %w", err)
	}

	client, err := provider.New(provider.Config{
		MetricsURL:      cfg.Provider.MetricsURL,
		SearchURL:       cfg.Provider.SearchURL,
		Timeout:         config.ParseDuration(cfg.Provider.Timeout, 0),
		SearchCacheSize: cfg.Provider.SearchCacheSize,
		SearchCacheTTL:  config.ParseDuration(cfg.Provider.SearchCacheTTL, time.Minute),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize provider client: %w", err)
	}

	session := viewer.New(viewer.Options{
		Gate:      sessionGate,
		Engine:    poll.New(clock, logger),
		Usage:     usageClock,
		Provider:  client,
		Favorites: store.Favorites(),
		Interval:  config.ParseDuration(cfg.Polling.Interval, 5*time.Second),
		Logger:    logger,
	})
	defer session.Close()

	httpServer := httpapi.NewServer(httpapi.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		RateLimit:       cfg.HTTP.RateLimit,
		RateLimitWindow: config.ParseDuration(cfg.HTTP.RateLimitWindow, time.Minute),
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}, session, logger)
	if sdListeners.HTTP != nil {
		httpServer.SetListener(sdListeners.HTTP)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return session.Run(groupCtx) })
	group.Go(func() error { return pruner.Run(groupCtx) })
	group.Go(func() error { return systemd.RunWatchdog(groupCtx, logger) })

	logger.Info().Msg("livestat startup complete")
	logger.Info().Msgf("HTTP API: %s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				counter := session.Usage()
				logger.Info().
					Str("day", counter.DayStamp).
					Int64("seconds_used", counter.SecondsUsed).
					Int64("limit_seconds", counter.LimitSeconds).
					Bool("halted", session.Halted()).
					Int("running_slots", runningSlots(session.Slots())).
					Msg("SIGHUP received, status")
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break wait
		case <-groupCtx.Done():
			logger.Error().Msg("Background component stopped unexpectedly, shutting down")
			break wait
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}
	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	session.Close()

	runErr := group.Wait()
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Background component failed")
	}

	if err := closeReplay(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to purge replay markers")
	}

	logger.Info().Msg("livestat stopped")

	return runErr
}

func runningSlots(slots []poll.SlotState) int {
	n := 0
	for _, s := range slots {
		if s.Running {
			n++
		}
	}
	return n
}
