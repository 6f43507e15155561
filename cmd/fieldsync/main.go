package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perimetra/fieldsync/internal/config"
	"github.com/perimetra/fieldsync/internal/database"
	"github.com/perimetra/fieldsync/internal/domain"
	"github.com/perimetra/fieldsync/internal/logging"
	"github.com/perimetra/fieldsync/internal/queue"
	"github.com/perimetra/fieldsync/internal/settings"
	"github.com/perimetra/fieldsync/internal/syncer"
	"github.com/perimetra/fieldsync/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const agentTickInterval = time.Minute

var (
	cfgFile     string
	networkKind string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Offline-first sync agent for field operations devices",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "sync",
			Short: "Run one full sync cycle and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cmd.Context(), func(ctx context.Context, orch *syncer.Orchestrator) (*syncer.Cycle, error) {
					return orch.StartFullSync(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "upload",
			Short: "Upload pending mutations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cmd.Context(), func(ctx context.Context, orch *syncer.Orchestrator) (*syncer.Cycle, error) {
					return orch.UploadPendingOnly(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "retry",
			Short: "Requeue failed mutations and upload them",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cmd.Context(), func(ctx context.Context, orch *syncer.Orchestrator) (*syncer.Cycle, error) {
					return orch.RetryFailed(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print queue and sync status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printStatus(cmd.Context())
			},
		},
	)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&networkKind, "network-kind", "ethernet", "Connection kind reported to the trigger gate (wifi, cellular, ethernet)")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Remote authority base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("settings-path", defaults.GetString("settings.path"), "Device state file path")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Device identifier sent to the authority")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Minimum interval between automatic cycles")
	cmd.PersistentFlags().Bool("auto-sync", defaults.GetBool("sync.auto"), "Enable automatic background cycles")
	cmd.PersistentFlags().Bool("wifi-only", defaults.GetBool("sync.wifi_only"), "Restrict sync to wifi connections")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "settings.path", "settings-path")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "sync.auto", "auto-sync")
	bindFlag(cmd, "sync.wifi_only", "wifi-only")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// engine bundles the composed services behind the CLI commands.
type engine struct {
	logger       *zap.Logger
	gate         *syncer.Gate
	orchestrator *syncer.Orchestrator
	close        func()
}

func compose() (*engine, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{Level: appConfig.LogLevel})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	deviceState, err := settings.Open(appConfig.SettingsPath)
	if err != nil {
		return nil, err
	}

	credentials, err := transport.NewCredentials(deviceState, time.Now)
	if err != nil {
		return nil, err
	}

	client, err := transport.NewClient(transport.ClientConfig{
		BaseURL:        appConfig.ServerURL,
		Credentials:    credentials,
		RequestTimeout: appConfig.RequestTimeout,
		UploadTimeout:  appConfig.UploadTimeout,
		OnForcedLogout: func() {
			logger.Warn("session terminated, re-login required")
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	queueManager, err := queue.NewManager(queue.ManagerConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}

	store, err := domain.NewStore(domain.StoreConfig{
		Database:   db,
		Queue:      queueManager,
		IDProvider: domain.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	gate, err := syncer.NewGate(syncer.GateConfig{
		Settings:        deviceState,
		Pinger:          client,
		DefaultAutoSync: appConfig.AutoSync,
		DefaultInterval: appConfig.AutoSyncInterval,
		DefaultWifiOnly: appConfig.WifiOnly,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Database:   db,
		Queue:      queueManager,
		Store:      store,
		Client:     client,
		Gate:       gate,
		Settings:   deviceState,
		BatchLimit: appConfig.BatchLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	// The agent has no platform connectivity feed; assume connected with the
	// configured kind and let the reachability probe do the real gating.
	gate.SetNetworkState(syncer.NetState{Connected: true, Kind: networkKind})

	return &engine{
		logger:       logger,
		gate:         gate,
		orchestrator: orchestrator,
		close: func() {
			sqlDB.Close()
			logger.Sync() //nolint:errcheck
		},
	}, nil
}

func runAgent(ctx context.Context) error {
	eng, err := compose()
	if err != nil {
		return err
	}
	defer eng.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.logger.Info("sync agent started", zap.Duration("tick", agentTickInterval))
	ticker := time.NewTicker(agentTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-signalCtx.Done():
			eng.orchestrator.Cancel()
			eng.logger.Info("sync agent stopping")
			return nil
		case <-ticker.C:
			cycle, err := eng.orchestrator.AutoSync(signalCtx)
			if err != nil {
				if errors.Is(err, syncer.ErrNotEligible) || errors.Is(err, syncer.ErrAlreadySyncing) {
					eng.logger.Debug("automatic cycle skipped", zap.Error(err))
					continue
				}
				eng.logger.Error("automatic cycle failed to start", zap.Error(err))
				continue
			}
			drainProgress(cycle, eng.logger)
		}
	}
}

func runOnce(ctx context.Context, start func(context.Context, *syncer.Orchestrator) (*syncer.Cycle, error)) error {
	eng, err := compose()
	if err != nil {
		return err
	}
	defer eng.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-signalCtx.Done()
		eng.orchestrator.Cancel()
	}()

	cycle, err := start(signalCtx, eng.orchestrator)
	if err != nil {
		return err
	}
	record, err := drainProgress(cycle, eng.logger)
	if err != nil {
		return err
	}
	fmt.Printf("cycle %s: %s (%d processed, %d succeeded, %d failed, %dms)\n",
		record.CycleID, record.Status, record.Processed, record.Succeeded, record.Failed, record.DurationMs)
	return nil
}

func drainProgress(cycle *syncer.Cycle, logger *zap.Logger) (syncer.CycleRecord, error) {
	for update := range cycle.Progress {
		logger.Debug("sync progress",
			zap.Int("current", update.Current),
			zap.Int("total", update.Total),
			zap.String("table", update.Table),
			zap.String("phase", string(update.Phase)))
	}
	return cycle.Wait()
}

func printStatus(ctx context.Context) error {
	eng, err := compose()
	if err != nil {
		return err
	}
	defer eng.close()

	stats, err := eng.orchestrator.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending: %d\nfailed: %d\ntotal synced: %d\n", stats.Pending, stats.Failed, stats.TotalSynced)
	if !stats.LastSyncAt.IsZero() {
		fmt.Printf("last sync: %s\n", stats.LastSyncAt.Format(time.RFC3339))
	}
	if !stats.LastAutoSyncAt.IsZero() {
		fmt.Printf("last auto sync: %s\n", stats.LastAutoSyncAt.Format(time.RFC3339))
	}
	return nil
}
