// Package main is the entry point for the factorrisk service. It estimates a
// multi-factor equity risk model from stored observations, persists the outputs
// and serves them over HTTP, rerunning the model on a cron schedule.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aristath/factorrisk/internal/config"
	"github.com/aristath/factorrisk/internal/database"
	"github.com/aristath/factorrisk/internal/metrics"
	"github.com/aristath/factorrisk/internal/modules/riskmodel"
	"github.com/aristath/factorrisk/internal/reliability"
	"github.com/aristath/factorrisk/internal/repository"
	"github.com/aristath/factorrisk/internal/scheduler"
	"github.com/aristath/factorrisk/internal/server"
	"github.com/aristath/factorrisk/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{
			Level:   "info",
			Pretty:  true,
			Service: "factorrisk",
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: "factorrisk",
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting factorrisk")

	profile, err := database.ParseProfile(cfg.DatabaseProfile)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid database profile")
	}
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: profile,
		Name:    "riskmodel",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	modelCfg, err := config.LoadModelConfig(cfg.ModelConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ModelConfigPath).Msg("Failed to load model configuration")
	}
	// The env setting only applies when the model file leaves workers unset.
	if modelCfg.Workers == 0 {
		modelCfg.Workers = cfg.Workers
	}

	observations := repository.NewObservationRepository(db.Conn(), log)
	market := repository.NewMarketRepository(db.Conn(), log)
	outputs := repository.NewOutputRepository(db.Conn(), log)

	svc, err := riskmodel.NewService(observations, market, outputs, modelCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create risk model service")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc.SetRecorder(metrics.NewRecorder(registry))

	sched := scheduler.New(log)
	if cfg.RebalanceSchedule != "" {
		if err := sched.AddJob(cfg.RebalanceSchedule, scheduler.NewRebalanceJob(svc, 2*time.Hour, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register rebalance job")
		}
	}
	if err := sched.AddJob("0 */15 * * * *", scheduler.NewCheckWALCheckpointsJob(db, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register WAL checkpoint job")
	}
	if cfg.MaintenanceSchedule != "" {
		if err := sched.AddJob(cfg.MaintenanceSchedule, reliability.NewDailyMaintenanceJob(db, cfg.DataDir, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register daily maintenance job")
		}
	}
	if err := sched.AddJob("0 0 4 * * 0", reliability.NewWeeklyMaintenanceJob(db, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to register weekly maintenance job")
	}
	if cfg.BackupEnabled() {
		r2, err := reliability.NewR2Client(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2BucketName, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create R2 client")
		}
		backups := reliability.NewBackupService(db, r2, cfg.DataDir, log)
		if err := sched.AddJob(cfg.BackupSchedule, reliability.NewBackupJob(backups, cfg.BackupRetentionDays, 30*time.Minute, log)); err != nil {
			log.Fatal().Err(err).Msg("Failed to register backup job")
		}
	} else {
		log.Info().Msg("R2 credentials not set, backups disabled")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:         log,
		DB:          db,
		Registry:    registry,
		Reader:      outputs,
		Runner:      svc,
		Jobs:        sched,
		Port:        cfg.Port,
		DevMode:     cfg.DevMode,
		CORSOrigins: cfg.CORSOrigins,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Waits for a running rebalance to finish.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
