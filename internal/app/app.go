package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/visage/internal/comfy"
	"github.com/ternarybob/visage/internal/common"
	"github.com/ternarybob/visage/internal/events"
	"github.com/ternarybob/visage/internal/handlers"
	"github.com/ternarybob/visage/internal/relay"
	"github.com/ternarybob/visage/internal/storage"
	"github.com/ternarybob/visage/internal/storage/badger"
)

// App holds all application dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Core
	StorageManager storage.Manager
	EventService   *events.Service
	ComfyClient    *comfy.Client
	Workflow       *comfy.Workflow
	Registry       *relay.Registry
	Fanout         *relay.Fanout
	Resolver       *relay.Resolver
	RelayService   *relay.Service

	// Handlers
	APIHandler      *handlers.APIHandler
	SwapHandler     *handlers.SwapHandler
	StatusHandler   *handlers.StatusHandler
	SocketHandler   *handlers.SwapSocketHandler
	MonitorHandler  *handlers.MonitorHandler
	DownloadHandler *handlers.DownloadHandler

	sweeper *cron.Cron
}

// New creates the application and wires all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	storageManager, err := badger.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.StorageManager = storageManager

	workflow, err := comfy.LoadWorkflow(cfg.Comfy.WorkflowPath)
	if err != nil {
		storageManager.Close()
		return nil, fmt.Errorf("failed to load workflow template: %w", err)
	}
	a.Workflow = workflow

	a.EventService = events.NewService(logger)
	a.ComfyClient = comfy.NewClient(&cfg.Comfy, logger)
	a.Registry = relay.NewRegistry(storageManager.JobStorage(), logger)
	a.Fanout = relay.NewFanout(cfg.Relay.SinkBuffer, logger)
	a.Resolver = relay.NewResolver(a.ComfyClient, &cfg.Comfy, logger)
	a.RelayService = relay.NewService(a.ComfyClient, workflow, a.Registry, a.Fanout,
		a.Resolver, a.EventService, &cfg.Comfy, logger)

	a.APIHandler = handlers.NewAPIHandler(a.RelayService, logger)
	a.SwapHandler = handlers.NewSwapHandler(a.RelayService, logger)
	a.StatusHandler = handlers.NewStatusHandler(a.RelayService, logger)
	a.SocketHandler = handlers.NewSwapSocketHandler(a.RelayService, &cfg.WebSocket, logger)
	a.MonitorHandler = handlers.NewMonitorHandler(a.EventService, &cfg.WebSocket, logger)
	a.DownloadHandler = handlers.NewDownloadHandler(cfg.Comfy.DownloadsDir, logger)

	if err := a.startRegistrySweep(); err != nil {
		storageManager.Close()
		return nil, err
	}

	logger.Info().Msg("Application initialized")

	return a, nil
}

// startRegistrySweep schedules eviction of terminal jobs older than the
// configured TTL. A zero TTL disables the sweep.
func (a *App) startRegistrySweep() error {
	ttl := common.Duration(a.Config.Registry.TTL, 0)
	if ttl <= 0 {
		a.Logger.Debug().Msg("Registry TTL sweep disabled")
		return nil
	}

	schedule := a.Config.Registry.SweepSchedule
	if schedule == "" {
		schedule = "@every 1h"
	}

	a.sweeper = cron.New()
	_, err := a.sweeper.AddFunc(schedule, func() {
		cutoff := time.Now().UTC().Add(-ttl)
		a.Registry.EvictTerminalBefore(context.Background(), cutoff)
	})
	if err != nil {
		return fmt.Errorf("invalid registry sweep schedule %q: %w", schedule, err)
	}
	a.sweeper.Start()

	a.Logger.Info().Str("schedule", schedule).Str("ttl", ttl.String()).Msg("Registry TTL sweep scheduled")

	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	a.Logger.Info().Msg("Closing application resources...")

	if a.sweeper != nil {
		ctx := a.sweeper.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			a.Logger.Warn().Msg("Timed out waiting for registry sweep to stop")
		}
	}

	if a.RelayService != nil {
		if err := a.RelayService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close relay service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close storage")
		}
	}

	a.Logger.Info().Msg("Application resources closed")
	return nil
}
