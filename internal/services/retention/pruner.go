package retention

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Service removes archive directories from the local archive tree.
type Service interface {
	// Prune deletes the archive directory of every run ID and returns the IDs
	// that may be marked deleted in the run log.
	Prune(ctx context.Context, schedule models.Schedule, runIDs []int64) []int64
}

// ArchiveDir returns <localRoot>/<host>/<runID>.
func ArchiveDir(localRoot, host string, runID int64) string {
	return filepath.Join(localRoot, host, strconv.FormatInt(runID, 10))
}

// Impl implements Service on top of an afero filesystem.
type Impl struct {
	fs     afero.Fs
	logger zerolog.Logger
}

// New creates a pruner working on the OS filesystem.
func New(logger zerolog.Logger) *Impl {
	return NewWithFs(logger, afero.NewOsFs())
}

// NewWithFs creates a pruner with a custom filesystem (for testing).
func NewWithFs(logger zerolog.Logger, fs afero.Fs) *Impl {
	return &Impl{
		fs:     fs,
		logger: logger,
	}
}

// Prune implements Service.
func (s *Impl) Prune(ctx context.Context, schedule models.Schedule, runIDs []int64) []int64 {
	var removed []int64

	for _, runID := range runIDs {
		if ctx.Err() != nil {
			s.logger.Warn().Err(ctx.Err()).Str("schedule", schedule.ID).Msg("archive pruning interrupted")
			break
		}

		// never build a path from missing parts, it could resolve to the root or the host directory
		if schedule.LocalPath == "" || schedule.Server.Host == "" || runID == 0 {
			s.logger.Error().
				Str("local_path", schedule.LocalPath).
				Str("host", schedule.Server.Host).
				Int64("run_id", runID).
				Msg("could not remove archive because required path data is missing")
			continue
		}

		dir := ArchiveDir(schedule.LocalPath, schedule.Server.Host, runID)
		log := s.logger.With().Int64("run_id", runID).Str("path", dir).Logger()

		exists, err := afero.DirExists(s.fs, dir)
		if err != nil {
			log.Error().Err(err).Msg("could not check archive directory")
			continue
		}
		if !exists {
			log.Error().Msg("archive directory does not exist, treating it as removed")
			removed = append(removed, runID)
			continue
		}

		if err := s.fs.RemoveAll(dir); err != nil {
			log.Debug().Err(err).Msg("remove returned error")
		}

		if stillThere, err := afero.Exists(s.fs, dir); stillThere || err != nil {
			log.Error().Err(err).Msg("could not remove archive directory")
			continue
		}

		removed = append(removed, runID)
		log.Info().Msg("archive removed")
	}

	return removed
}
