package main

import (
	"github.com/fgeck/gopickup/internal/metrics"
	"github.com/fgeck/gopickup/internal/services/backuplog"
	"github.com/fgeck/gopickup/internal/services/runner"
	"github.com/fgeck/gopickup/internal/services/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runSchedule string
	runHost     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every schedule once",
	Long: `Run each configured schedule once, one after another:
1. Refuse to start if the schedule's last run is still open
2. Open a new run in the run log
3. Wake the server (if configured) and list the remote files
4. Create <local_path>/<host>/<run id>
5. Copy each file, deleting it on the server if delete_server_pickups is set
6. Close the run with a summary
7. Apply the retention policy (if manage_local_backups is set)
8. Send a Telegram notification (if configured)

A schedule that halts does not stop the others and does not change the exit code.`,
	RunE: runPickup,
}

func init() {
	runCmd.Flags().StringVarP(&runSchedule, "schedule", "s", "", "only run the schedule with this id")
	runCmd.Flags().StringVar(&runHost, "host", "", "only run schedules of this server")
}

func runPickup(cmd *cobra.Command, args []string) error {
	cfg, logFile, err := loadConfigWithLog(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	schedules, err := selectSchedules(cfg.Schedules, runSchedule, runHost)
	if err != nil {
		log.Error().Err(err).Msg("nothing to run")
		return err
	}

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

	summary := scheduler.New(log.Logger, runnerSvc).RunAll(ctx, schedules)
	writeMetrics(cfg, recorder)

	if summary.Halted > 0 {
		log.Warn().Int("halted", summary.Halted).Msg("some schedules halted, see the log above")
	}

	return nil
}
