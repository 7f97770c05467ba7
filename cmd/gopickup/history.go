package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/backuplog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	historySchedule string
	historyLimit    int
	historyFiles    bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs from the run log",
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().StringVarP(&historySchedule, "schedule", "s", "", "only show runs of this schedule")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	historyCmd.Flags().BoolVar(&historyFiles, "files", false, "list the files of each run")
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := backuplog.New(cfg.Database.Path, log.Logger)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Database.Path).Msg("failed to open run log")
		return err
	}
	defer func() { _ = store.Close() }()

	return printHistory(cmd.Context(), os.Stdout, store, historySchedule, historyLimit, historyFiles)
}

func printHistory(ctx context.Context, out io.Writer, store backuplog.Store, scheduleID string, limit int, withFiles bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	runs, err := store.ListRuns(ctx, scheduleID, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "No runs recorded.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN\tSCHEDULE\tSTARTED\tFINISHED\tFILES\tARCHIVE\tSTATUS")
	for _, run := range runs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.RunID,
			run.ScheduleID,
			run.StartedAt.Local().Format(time.DateTime),
			finishedLabel(run),
			run.FileCount,
			archiveLabel(run),
			run.StatusMessage)

		if !withFiles {
			continue
		}
		files, err := store.Files(ctx, run.RunID)
		if err != nil {
			return err
		}
		for _, f := range files {
			_, _ = fmt.Fprintf(w, "\t  %s\t\t\t%d\t\t\n", f.Name, f.Size)
		}
	}
	return w.Flush()
}

func finishedLabel(run models.RunRecord) string {
	if run.InProgress() {
		return "running"
	}
	return run.FinishedAt.Local().Format(time.DateTime)
}

func archiveLabel(run models.RunRecord) string {
	if run.DeletedAt != nil {
		return "pruned"
	}
	if run.InProgress() {
		return "-"
	}
	return "kept"
}
