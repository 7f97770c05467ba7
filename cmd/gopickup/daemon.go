package main

import (
	"github.com/fgeck/gopickup/internal/config"
	"github.com/fgeck/gopickup/internal/metrics"
	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/backuplog"
	"github.com/fgeck/gopickup/internal/services/runner"
	"github.com/fgeck/gopickup/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run all schedules on the daemon.cron timetable",
	Long: `Stay in the foreground and run a pass over all schedules on every tick of
daemon.cron (default "0 3 * * *"). The schedule list is re-read from the
config file before every pass; changes to the database, Telegram or
retention defaults need a restart. A tick is skipped while a pass is still
running.`,
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, logFile, err := loadConfigWithLog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	store, err := backuplog.New(cfg.Database.Path, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Database.Path).Msg("failed to open run log")
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	recorder := metrics.NewPrometheus()
	runnerSvc := runner.New(log.Logger, store, recorder, runner.Settings{
		DefaultPolicy: cfg.Retention.DefaultPolicy,
		Telegram:      cfg.Telegram,
	})

	load := func() ([]models.Schedule, error) {
		fresh, err := config.NewParser().LoadFile(configFile)
		if err != nil {
			return nil, err
		}
		if err := config.Validate(fresh); err != nil {
			return nil, err
		}
		return fresh.Schedules, nil
	}

	return scheduler.New(log.Logger, runnerSvc).Daemon(ctx, cfg.Daemon.Cron, load, func(scheduler.Summary) {
		writeMetrics(cfg, recorder)
	})
}
