package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/b-open-io/wallet-monitor/actions"
	"github.com/b-open-io/wallet-monitor/config"
	"github.com/b-open-io/wallet-monitor/headers/processor"
	hroutes "github.com/b-open-io/wallet-monitor/headers/routes"
	"github.com/b-open-io/wallet-monitor/monitor"
	"github.com/b-open-io/wallet-monitor/proofs"
	"github.com/b-open-io/wallet-monitor/replication"
	"github.com/b-open-io/wallet-monitor/routes"
)

func main() {
	envFile := flag.String("env", ".env", "Environment file to load")
	port := flag.Int("p", 0, "Port to listen on (overrides PORT)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	logger.Debug("configuration loaded", slog.Any("config", *cfg))

	if err := run(cfg, logger); err != nil {
		logger.Error("walletd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := cfg.Build()
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("failed to close services", slog.Any("error", err))
		}
	}()

	coordinator := replication.NewCoordinator(svc.Wallet, svc.Queue, logger)
	for _, backup := range svc.Backups {
		if err := coordinator.AddBackupProvider(backup); err != nil {
			return err
		}
	}

	events := make(chan monitor.HeaderEvent, 16)
	scheduler := monitor.NewScheduler(logger, monitor.WithTickInterval(cfg.SchedulerTick))
	checkForProofs := monitor.NewCheckForProofsTask(svc.Wallet, svc.Beef, svc.Chain, svc.Queue, svc.PubSub, monitor.CheckForProofsConfig{
		Interval:    cfg.ProofCheckInterval,
		MaxAttempts: cfg.ProofMaxAttempts,
	}, logger)
	tasks := []monitor.Task{
		monitor.NewChainTipTask(svc.Chain, events, cfg.ChainTipInterval, logger),
		checkForProofs,
		monitor.NewUnFailTask(svc.Wallet, svc.Beef, svc.Chain, svc.PubSub, cfg.UnFailInterval, logger),
		monitor.NewFailAbandonedTask(svc.Wallet, svc.PubSub, cfg.AbandonedInterval, cfg.AbandonedAfter, logger),
	}
	if len(svc.Backups) > 0 {
		tasks = append(tasks, monitor.NewBackupTask(coordinator, cfg.BackupInterval, logger))
	}
	for _, task := range tasks {
		if err := scheduler.AddTask(task); err != nil {
			return err
		}
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	var roots processor.RootCache
	if svc.Headers != nil {
		roots = svc.Headers
	}
	go processor.New(svc.PubSub, scheduler, roots, logger).Start(ctx, events)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api := app.Group("/api/v1")
	routes.RegisterRoutes(api, &routes.RoutesConfig{
		Actions:  actions.NewPipeline(svc.Wallet, nil, logger),
		Proofs:   proofs.NewBeefProofReader(svc.Beef),
		Backups:  coordinator,
		Tasks:    scheduler,
		Attempts: checkForProofs,
		Chain:    svc.Chain,
		Auth:     routes.APIKeys(cfg.APIKeys),
		Logger:   logger,
	})
	hroutes.RegisterWebhookRoutes(api, hroutes.WebhookConfig{
		Tasks:        scheduler,
		WebhookToken: cfg.WebhookToken,
		Logger:       logger,
	})
	routes.RegisterSSERoutes(api, &routes.SSERoutesConfig{
		PubSub:  svc.PubSub,
		Context: ctx,
		Logger:  logger,
	})

	listenErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("walletd listening",
			slog.String("addr", addr),
			slog.String("storage", svc.Wallet.StorageIdentityKey()),
			slog.Int("backups", len(svc.Backups)))
		listenErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, shutting down")
	case err := <-listenErr:
		return fmt.Errorf("http server: %w", err)
	}
	return app.ShutdownWithTimeout(10 * time.Second)
}
