// Package runner executes a single backup schedule from pre-flight check to
// retention.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fgeck/gopickup/internal/metrics"
	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/backuplog"
	"github.com/fgeck/gopickup/internal/services/retention"
	"github.com/fgeck/gopickup/internal/services/ssh"
	"github.com/fgeck/gopickup/internal/services/telegram"
	"github.com/fgeck/gopickup/internal/services/wol"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Service defines the interface for the schedule runner.
type Service interface {
	Run(ctx context.Context, schedule models.Schedule) *models.RunResult
}

// Settings holds the configuration shared by every run.
type Settings struct {
	DefaultPolicy string                 // used when a managed schedule has no retention string
	Telegram      *models.TelegramConfig // nil disables notifications
}

// Impl implements the runner Service interface.
type Impl struct {
	store       backuplog.Store
	sshSvc      ssh.Service
	wolSvc      wol.Service
	pruner      retention.Service
	telegramSvc telegram.Service
	recorder    metrics.Recorder
	fs          afero.Fs
	settings    Settings
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a new runner service writing archives to the OS filesystem.
func New(logger zerolog.Logger, store backuplog.Store, recorder metrics.Recorder, settings Settings) *Impl {
	return &Impl{
		store:       store,
		sshSvc:      ssh.New(logger),
		wolSvc:      wol.New(logger),
		pruner:      retention.New(logger),
		telegramSvc: telegram.New(logger),
		recorder:    recorder,
		fs:          afero.NewOsFs(),
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	settings Settings,
	store backuplog.Store,
	sshSvc ssh.Service,
	wolSvc wol.Service,
	pruner retention.Service,
	telegramSvc telegram.Service,
	recorder metrics.Recorder,
	fs afero.Fs,
) *Impl {
	return &Impl{
		store:       store,
		sshSvc:      sshSvc,
		wolSvc:      wolSvc,
		pruner:      pruner,
		telegramSvc: telegramSvc,
		recorder:    recorder,
		fs:          fs,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
	}
}

// runState is the per-run state handed from stage to stage.
type runState struct {
	schedule models.Schedule
	logger   zerolog.Logger

	runID            int64
	locationType     models.LocationType
	pending          []models.RemoteFile
	localDirectory   string
	filesListed      int
	filesTransferred int
	bytesTransferred int64
	statusMessage    string
	halted           bool

	archivesKept    int
	archivesDeleted []int64
}

// fail reports an error that does not stop the run. It becomes the run's
// status message until something else replaces it.
func (st *runState) fail(err error, format string, args ...any) {
	st.statusMessage = fmt.Sprintf(format, args...)
	st.logger.Error().Err(err).Msg(st.statusMessage)
}

// halt reports an error that stops the remaining transfer stages.
func (st *runState) halt(err error, format string, args ...any) {
	st.halted = true
	st.fail(err, format, args...)
}

type stage struct {
	name string
	run  func(ctx context.Context, st *runState)
}

// Run executes the schedule. It never fails as a whole: halts and non-fatal
// errors are reported in the returned result and in the run log.
func (s *Impl) Run(ctx context.Context, schedule models.Schedule) *models.RunResult {
	start := s.now()
	st := &runState{
		schedule: schedule,
		logger:   s.logger.With().Str("schedule", schedule.ID).Logger(),
	}

	if schedule.ID == "" {
		st.halt(nil, "No schedule loaded, nothing to back up.")
	}

	stages := []stage{
		{name: "check_running", run: s.checkRunning},
		{name: "log_start", run: s.logStart},
		{name: "list_files", run: s.listFiles},
		{name: "prepare_directory", run: s.prepareDirectory},
		{name: "transfer_files", run: s.transferFiles},
	}
	for _, stg := range stages {
		if st.halted {
			st.logger.Debug().Str("stage", stg.name).Msg("skipping stage, run is halted")
			continue
		}
		st.logger.Debug().Str("stage", stg.name).Msg("entering stage")
		stg.run(ctx, st)
	}

	// every started run is closed, even when the caller has given up
	closeCtx := context.WithoutCancel(ctx)
	s.logComplete(closeCtx, st)

	if schedule.ManageLocalBackups && schedule.ID != "" {
		removed := s.retentionPass(ctx, st)
		s.confirmDeletions(closeCtx, st, removed)
	}

	result := &models.RunResult{
		ScheduleID:       schedule.ID,
		RunID:            st.runID,
		LocationType:     st.locationType,
		LocalDirectory:   st.localDirectory,
		FilesListed:      st.filesListed,
		FilesTransferred: st.filesTransferred,
		BytesTransferred: st.bytesTransferred,
		StatusMessage:    st.statusMessage,
		Halted:           st.halted,
		ArchivesKept:     st.archivesKept,
		ArchivesDeleted:  st.archivesDeleted,
		StartTime:        start,
		Duration:         s.now().Sub(start),
	}

	s.recorder.RunFinished(*result)
	s.notify(closeCtx, schedule, result)

	return result
}

func (s *Impl) checkRunning(ctx context.Context, st *runState) {
	last, err := s.store.LastRun(ctx, st.schedule.ID)
	if err != nil {
		st.fail(err, "Could not find latest run log entry for schedule %s.", st.schedule.ID)
		return
	}
	if last != nil && last.InProgress() {
		st.halt(nil, "Could not run schedule %s because it is already running. If this is in error, delete run log entry %d.",
			st.schedule.ID, last.RunID)
	}
}

func (s *Impl) logStart(ctx context.Context, st *runState) {
	runID, err := s.store.InsertRun(ctx, st.schedule.ID)
	if err != nil {
		st.fail(err, "Could not create run log entry for schedule %s. Backup proceeding without one.", st.schedule.ID)
		return
	}

	st.runID = runID
	st.logger = st.logger.With().Int64("run_id", runID).Logger()
	st.logger.Info().
		Str("host", st.schedule.Server.Host).
		Str("remote_path", st.schedule.RemotePath).
		Msg("starting schedule")
}

func (s *Impl) listFiles(ctx context.Context, st *runState) {
	srv := st.schedule.Server

	if srv.WOL != nil {
		result, err := s.wolSvc.Wake(ctx, srv)
		if err == nil && result.Error != nil {
			err = result.Error
		}
		if err != nil {
			st.halt(err, "Could not wake %s for schedule %s.", srv.Host, st.schedule.ID)
			return
		}
	}

	locationType, files, err := s.sshSvc.ClassifyAndList(ctx, srv, st.schedule.RemotePath)
	if err != nil {
		st.halt(err, "Error retrieving file list for schedule %s: %v", st.schedule.ID, err)
		return
	}
	if len(files) == 0 {
		st.halt(nil, "No files to retrieve for schedule %s.", st.schedule.ID)
		return
	}

	st.locationType = locationType
	st.pending = files
	st.filesListed = len(files)

	st.logger.Info().
		Str("location_type", string(locationType)).
		Int("files", len(files)).
		Msg("remote files listed")
}

func (s *Impl) prepareDirectory(_ context.Context, st *runState) {
	root := st.schedule.LocalPath
	host := st.schedule.Server.Host
	segments := []string{
		root,
		filepath.Join(root, host),
		retention.ArchiveDir(root, host, st.runID),
	}

	for _, dir := range segments {
		if err := s.ensureDir(dir); err != nil {
			st.halt(err, "Error creating backup folder at %s. Schedule %s is aborting.", dir, st.schedule.ID)
			return
		}
	}

	st.localDirectory = segments[len(segments)-1]
}

// ensureDir creates dir if it is missing and checks that it exists afterwards.
func (s *Impl) ensureDir(dir string) error {
	if ok, err := afero.DirExists(s.fs, dir); err == nil && ok {
		return nil
	}

	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	ok, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("directory does not exist after creation")
	}
	return nil
}

func (s *Impl) transferFiles(ctx context.Context, st *runState) {
	srv := st.schedule.Server

	for i, file := range st.pending {
		if err := ctx.Err(); err != nil {
			st.halt(err, "Backup of schedule %s interrupted after %d of %d files.", st.schedule.ID, i, len(st.pending))
			return
		}

		if err := s.store.InsertTransferredFile(ctx, st.runID, file.Name, file.Size); err != nil {
			st.fail(err, "Could not record file %s for run %d. Backup was allowed to continue.", file.Name, st.runID)
		}

		copied := true
		if err := s.sshSvc.Copy(ctx, srv, file.Name, st.localDirectory); err != nil {
			copied = false
			st.fail(err, "Error downloading %s from %s for run %d. Backup was allowed to continue.", file.Name, srv.Host, st.runID)
		} else {
			st.filesTransferred++
			st.bytesTransferred += file.Size
			st.logger.Debug().Str("file", file.Name).Int64("size", file.Size).Msg("file transferred")
		}

		if st.schedule.DeleteServerPickups {
			if !copied && st.schedule.KeepFailedPickups {
				st.logger.Warn().Str("file", file.Name).Msg("keeping remote file, copy failed")
				continue
			}
			if err := s.sshSvc.Delete(ctx, srv, file.Name); err != nil {
				st.fail(err, "Error deleting %s from %s for run %d. Backup was allowed to continue.", file.Name, srv.Host, st.runID)
			}
		}
	}
	st.pending = nil

	verb := "copying"
	if st.schedule.DeleteServerPickups {
		verb = "moving"
	}
	plural := "s"
	if st.filesTransferred == 1 {
		plural = ""
	}
	st.statusMessage = fmt.Sprintf("Completing backup, %s %d file%s from %s:%s to %s.",
		verb, st.filesTransferred, plural, srv.Host, st.schedule.RemotePath, st.localDirectory)
	st.logger.Info().Msg(st.statusMessage)
}

func (s *Impl) logComplete(ctx context.Context, st *runState) {
	if st.runID == 0 {
		return
	}

	if err := s.store.FinishRun(ctx, st.runID, st.statusMessage); err != nil {
		st.logger.Error().Err(err).Msgf(
			"Could not close run log entry %d. Schedule %s will not be able to run again until it has a finish time.",
			st.runID, st.schedule.ID)
		return
	}

	st.logger.Info().Bool("halted", st.halted).Msg("run closed")
}

// retentionPass plans and removes old archives, returning the run IDs whose
// archive directory is gone.
func (s *Impl) retentionPass(ctx context.Context, st *runState) []int64 {
	if err := ctx.Err(); err != nil {
		st.logger.Warn().Err(err).Msg("retention pass skipped, run was interrupted")
		return nil
	}

	raw := st.schedule.Retention
	if raw == "" {
		raw = s.settings.DefaultPolicy
	}

	policy, err := retention.ParsePolicy(raw)
	if errors.Is(err, retention.ErrNoPolicy) {
		st.logger.Error().Msgf("No retention schedule is defined for schedule %s. Skipping backup management.", st.schedule.ID)
		return nil
	}
	if err != nil {
		st.logger.Error().Err(err).Msgf("Invalid retention schedule for schedule %s. Skipping backup management.", st.schedule.ID)
		return nil
	}

	archives, err := s.store.ActiveArchives(ctx, st.schedule.ID)
	if err != nil {
		st.logger.Error().Err(err).Msg("could not load archives, skipping backup management")
		return nil
	}

	decision := retention.Plan(archives, policy)
	st.archivesKept = len(decision.Keep)

	st.logger.Info().
		Str("policy", retention.FormatPolicy(policy)).
		Int("archives", len(archives)).
		Int("keep", len(decision.Keep)).
		Int("delete", len(decision.Delete)).
		Msg("retention planned")

	if len(decision.Delete) == 0 {
		return nil
	}
	return s.pruner.Prune(ctx, st.schedule, decision.Delete)
}

func (s *Impl) confirmDeletions(ctx context.Context, st *runState, removed []int64) {
	for _, runID := range removed {
		st.archivesDeleted = append(st.archivesDeleted, runID)
		if err := s.store.MarkDeleted(ctx, runID); err != nil {
			st.logger.Error().Err(err).Int64("archive", runID).Msg("could not mark archive deleted")
			continue
		}
		st.logger.Info().Int64("archive", runID).Msg("archive removed")
	}
}

func (s *Impl) notify(ctx context.Context, schedule models.Schedule, result *models.RunResult) {
	if s.settings.Telegram == nil || schedule.ID == "" {
		return
	}

	msg := models.TelegramMessage{
		Success:          !result.Halted,
		ScheduleID:       result.ScheduleID,
		Host:             schedule.Server.Host,
		RemotePath:       schedule.RemotePath,
		StartTime:        result.StartTime,
		Duration:         result.Duration,
		RunID:            result.RunID,
		FilesListed:      result.FilesListed,
		FilesTransferred: result.FilesTransferred,
		BytesTransferred: result.BytesTransferred,
		LocalDirectory:   result.LocalDirectory,
		StatusMessage:    result.StatusMessage,
		ArchivesKept:     result.ArchivesKept,
		ArchivesDeleted:  len(result.ArchivesDeleted),
	}

	res, err := s.telegramSvc.SendNotification(ctx, *s.settings.Telegram, msg)
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err != nil {
		s.logger.Error().Err(err).Str("schedule", result.ScheduleID).Msg("failed to send Telegram notification")
	}
}
