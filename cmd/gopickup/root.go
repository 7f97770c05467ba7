package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool

	// logOutput is the terminal writer installed by setupLogging.
	logOutput io.Writer = os.Stdout
)

var rootCmd = &cobra.Command{
	Use:   "gopickup",
	Short: "Pull-style backups over SSH with local archive retention",
	Long: `gopickup pulls backup files from remote servers into a local archive:
  - Lists the files at each schedule's remote path over SSH
  - Copies (or moves) them into <local_path>/<host>/<run id>
  - Records every run and file in a SQLite run log
  - Prunes old archives with a yearly/monthly/weekly/daily retention policy
  - Optionally wakes servers with Wake-on-LAN and reports to Telegram

Use "run" from cron or a systemd timer, or "daemon" to schedule passes itself.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(daemonCmd)
}

func setupLogging() {
	if jsonOutput {
		logOutput = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		logOutput = output
	}
	log.Logger = zerolog.New(logOutput).With().Timestamp().Logger()

	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// attachLogFile tees all log output into an append-only JSON log file.
func attachLogFile(path string) (io.Closer, error) {
	if path == "" {
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}

	log.Logger = log.Logger.Output(zerolog.MultiLevelWriter(logOutput, f))
	return f, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
