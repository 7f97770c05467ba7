// Package scheduler runs schedules one after another, once or on a cron
// timetable.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/runner"
	"github.com/fgeck/gopickup/internal/services/ssh"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Summary describes one pass over the configured schedules.
type Summary struct {
	Results   []*models.RunResult
	Completed int
	Halted    int
	Skipped   int      // not started because the pass was interrupted
	ShutDown  []string // hosts sent a shutdown command
	Duration  time.Duration
}

// Shutdowner powers off a server once the pass is done with it.
type Shutdowner interface {
	Shutdown(ctx context.Context, srv models.Server) (*models.SSHResult, error)
}

// LoadFunc returns the schedules for the next pass.
type LoadFunc func() ([]models.Schedule, error)

// Service defines the interface for the scheduler.
type Service interface {
	RunAll(ctx context.Context, schedules []models.Schedule) Summary
	Daemon(ctx context.Context, spec string, load LoadFunc, after func(Summary)) error
}

// Impl implements the scheduler Service interface.
type Impl struct {
	runner     runner.Service
	shutdowner Shutdowner
	logger     zerolog.Logger
}

// New creates a new scheduler on top of a schedule runner.
func New(logger zerolog.Logger, runnerSvc runner.Service) *Impl {
	return NewWithShutdowner(logger, runnerSvc, ssh.New(logger))
}

// NewWithShutdowner creates a new scheduler with a custom shutdowner (for testing).
func NewWithShutdowner(logger zerolog.Logger, runnerSvc runner.Service, shutdowner Shutdowner) *Impl {
	return &Impl{
		runner:     runnerSvc,
		shutdowner: shutdowner,
		logger:     logger,
	}
}

// RunAll runs every schedule in order. A schedule starts only after the
// previous one has finished, including its retention pass.
func (s *Impl) RunAll(ctx context.Context, schedules []models.Schedule) Summary {
	start := time.Now()
	summary := Summary{}

	s.logger.Info().Int("schedules", len(schedules)).Msg("starting backup process")

	// a server is shut down after the last of its schedules in this pass
	lastOfServer := make(map[string]int, len(schedules))
	for i, schedule := range schedules {
		lastOfServer[schedule.Server.Host] = i
	}

	for i, schedule := range schedules {
		if err := ctx.Err(); err != nil {
			summary.Skipped = len(schedules) - i
			s.logger.Warn().Err(err).Int("skipped", summary.Skipped).Msg("backup process interrupted")
			break
		}

		result := s.runner.Run(ctx, schedule)
		summary.Results = append(summary.Results, result)
		if result.Halted {
			summary.Halted++
		} else {
			summary.Completed++
		}

		if lastOfServer[schedule.Server.Host] == i && s.shutdownServer(ctx, schedule.Server) {
			summary.ShutDown = append(summary.ShutDown, schedule.Server.Host)
		}
	}

	summary.Duration = time.Since(start)
	s.logger.Info().
		Int("completed", summary.Completed).
		Int("halted", summary.Halted).
		Dur("duration", summary.Duration).
		Msg("backup process complete")

	return summary
}

// shutdownServer sends the configured shutdown. Failures are logged only.
func (s *Impl) shutdownServer(ctx context.Context, srv models.Server) bool {
	if srv.Shutdown == nil || s.shutdowner == nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.logger.Warn().Err(err).Str("host", srv.Host).Msg("shutdown skipped, backup process was interrupted")
		return false
	}

	result, err := s.shutdowner.Shutdown(ctx, srv)
	if err == nil && result.Error != nil && !result.CommandRun {
		err = result.Error
	}
	if err != nil {
		s.logger.Error().Err(err).Str("host", srv.Host).Msg("failed to shut down server")
		return false
	}

	s.logger.Info().
		Str("host", srv.Host).
		Int("delay", srv.Shutdown.Delay).
		Msg("server shutdown sent")
	return true
}

// Daemon runs a pass on every tick of the cron spec until ctx is cancelled.
// Schedules are reloaded before each pass. A tick that fires while the
// previous pass is still running is skipped.
func (s *Impl) Daemon(ctx context.Context, spec string, load LoadFunc, after func(Summary)) error {
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	id, err := c.AddFunc(spec, func() {
		schedules, err := load()
		if err != nil {
			s.logger.Error().Err(err).Msg("could not load schedules, skipping this pass")
			return
		}
		summary := s.RunAll(ctx, schedules)
		if after != nil {
			after(summary)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}

	c.Start()
	s.logger.Info().
		Str("cron", spec).
		Time("next", c.Entry(id).Next).
		Msg("daemon started")

	<-ctx.Done()

	// wait for a running pass to wind down
	<-c.Stop().Done()
	s.logger.Info().Msg("daemon stopped")

	return nil
}

// ValidateSpec checks a standard five-field cron spec or descriptor.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// NextRun returns the first activation of spec after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
