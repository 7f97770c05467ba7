package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/retention"
	"github.com/fgeck/gopickup/internal/services/scheduler"
	"github.com/fgeck/gopickup/internal/services/ssh"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkPaths bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without transferring anything.

With --check-paths every schedule's local path is checked, and each server is
contacted over SSH to check the connection and the remote path.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&checkPaths, "check-paths", false, "check local paths and connect to servers")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Run log: %s\n", cfg.Database.Path)
	if cfg.LogFile != "" {
		fmt.Printf("  Log file: %s\n", cfg.LogFile)
	}
	if cfg.Metrics.Textfile != "" {
		fmt.Printf("  Metrics textfile: %s\n", cfg.Metrics.Textfile)
	}
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	if next, err := scheduler.NextRun(cfg.Daemon.Cron, time.Now()); err == nil {
		fmt.Printf("  Daemon: %s (next %s)\n", cfg.Daemon.Cron, next.Format("2006-01-02 15:04"))
	}
	if cfg.Retention.DefaultPolicy != "" {
		fmt.Printf("  Default retention: %s\n", describePolicy(cfg.Retention.DefaultPolicy))
	}

	fmt.Println()
	fmt.Println("Servers:")
	for _, srv := range cfg.Servers {
		fmt.Printf("  %s@%s:%d\n", srv.Username, srv.Host, srv.Port)
		fmt.Printf("    Key: %s\n", srv.KeyPath)
		if srv.KnownHosts != "" {
			fmt.Printf("    Known hosts: %s\n", srv.KnownHosts)
		} else {
			fmt.Println("    Known hosts: (host keys not verified)")
		}
		if srv.WOL != nil {
			fmt.Printf("    Wake-on-LAN: %s\n", srv.WOL.MACAddress)
		}
		if srv.Shutdown != nil {
			fmt.Printf("    Shutdown after pass: %s, %d min delay\n", srv.Shutdown.OS, srv.Shutdown.Delay)
		}
	}

	fmt.Println()
	fmt.Println("Schedules:")
	for _, s := range cfg.Schedules {
		verb := "copy"
		if s.DeleteServerPickups {
			verb = "move"
			if s.KeepFailedPickups {
				verb = "move (keep failed)"
			}
		}
		fmt.Printf("  %s: %s %s:%s -> %s\n", s.ID, verb, s.ServerHost, s.RemotePath, filepath.Join(s.LocalPath, s.ServerHost, "<run id>"))
		if s.ManageLocalBackups {
			policy := s.Retention
			if policy == "" {
				policy = cfg.Retention.DefaultPolicy
			}
			fmt.Printf("    Retention: %s\n", describePolicy(policy))
		}
	}

	if !checkPaths {
		return nil
	}

	fmt.Println()
	fmt.Println("Path checks:")
	ctx, cancel := signalContext()
	defer cancel()

	if failed := runPathChecks(ctx, ssh.New(log.Logger), cfg); failed > 0 {
		return fmt.Errorf("%d path check(s) failed", failed)
	}
	return nil
}

func describePolicy(raw string) string {
	if raw == "" {
		return "(none, retention is skipped)"
	}
	p, err := retention.ParsePolicy(raw)
	if err != nil {
		return "(invalid)"
	}
	return fmt.Sprintf("%d yearly, %d monthly, %d weekly, %d daily", p.Years, p.Months, p.Weeks, p.Days)
}

// runPathChecks prints the outcome of every check and returns the number of failures.
func runPathChecks(ctx context.Context, svc ssh.Service, cfg *models.Config) int {
	failed := 0
	report := func(label string, check models.PathCheck) {
		status := "ok"
		if check.IsError {
			status = "FAILED"
			failed++
		}
		fmt.Printf("  [%s] %s: %s\n", status, label, check.Message)
	}

	connected := make(map[string]bool, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		if err := svc.TestConnection(ctx, srv); err != nil {
			report("ssh "+srv.Host, models.PathCheck{Message: err.Error(), IsError: true})
			continue
		}
		connected[srv.Host] = true
		report("ssh "+srv.Host, models.PathCheck{Message: "connected"})
	}

	for _, s := range cfg.Schedules {
		report(s.ID+" local", svc.ValidateLocalPath(s.LocalPath))
		if !connected[s.ServerHost] {
			continue
		}
		report(s.ID+" remote", svc.ValidateRemotePath(ctx, s.Server, s.RemotePath))
	}

	return failed
}
