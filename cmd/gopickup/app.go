package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gopickup/internal/config"
	"github.com/fgeck/gopickup/internal/metrics"
	"github.com/fgeck/gopickup/internal/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// errNoConfig is returned after printing help when --config is missing.
var errNoConfig = errors.New("config file is required")

// loadConfig parses and validates the file given with --config.
func loadConfig(cmd *cobra.Command) (*models.Config, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		_ = cmd.Help()
		return nil, errNoConfig
	}

	cfg, err := config.NewParser().LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return nil, err
	}

	return cfg, nil
}

// loadConfigWithLog loads the config and attaches its log file.
func loadConfigWithLog(cmd *cobra.Command) (*models.Config, io.Closer, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	closer, err := attachLogFile(cfg.LogFile)
	if err != nil {
		log.Error().Err(err).Str("file", cfg.LogFile).Msg("failed to open log file")
		return nil, nil, err
	}

	log.Info().
		Str("config", configFile).
		Int("servers", len(cfg.Servers)).
		Int("schedules", len(cfg.Schedules)).
		Msg("configuration loaded")

	return cfg, closer, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, finishing current file and shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// selectSchedules narrows the configured schedules to one ID and/or one host.
func selectSchedules(all []models.Schedule, scheduleID, host string) ([]models.Schedule, error) {
	if scheduleID == "" && host == "" {
		return all, nil
	}

	var selected []models.Schedule
	for _, s := range all {
		if scheduleID != "" && s.ID != scheduleID {
			continue
		}
		if host != "" && s.ServerHost != host {
			continue
		}
		selected = append(selected, s)
	}

	if len(selected) == 0 {
		return nil, fmt.Errorf("no schedule matches --schedule=%q --host=%q", scheduleID, host)
	}
	return selected, nil
}

// writeMetrics exports the recorder to the configured textfile, if any.
func writeMetrics(cfg *models.Config, recorder *metrics.Prometheus) {
	if cfg.Metrics.Textfile == "" {
		return
	}
	if err := recorder.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		log.Error().Err(err).Msg("failed to write metrics")
		return
	}
	log.Debug().Str("file", cfg.Metrics.Textfile).Msg("metrics written")
}
