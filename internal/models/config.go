// Package models contains the data structures used throughout gopickup.
package models

// Config holds the complete gopickup configuration.
type Config struct {
	Database  DatabaseConfig
	LogFile   string
	Retention RetentionSettings
	Metrics   MetricsConfig
	Daemon    DaemonConfig
	Telegram  *TelegramConfig // nil if not configured
	Servers   []Server        `validate:"dive"`
	Schedules []Schedule      `validate:"dive"`
}

// DatabaseConfig points at the SQLite run log.
type DatabaseConfig struct {
	Path string `validate:"required"`
}

// RetentionSettings holds defaults for local archive management.
type RetentionSettings struct {
	DefaultPolicy string // used when a managed schedule has no policy of its own
}

// MetricsConfig controls the Prometheus textfile export.
type MetricsConfig struct {
	Textfile string // empty disables the export
}

// DaemonConfig controls `gopickup daemon`.
type DaemonConfig struct {
	Cron string
}

// Server is a remote host that files are pulled from.
type Server struct {
	Host       string `validate:"required,hostname_rfc1123|ip"`
	Port       int    `validate:"gte=1,lte=65535"`
	Username   string `validate:"required"`
	KeyPath    string `validate:"required"`
	PrivateKey []byte // loaded from KeyPath on demand
	KnownHosts string // empty disables host key verification
	WOL        *WOLConfig
	Shutdown   *ShutdownConfig // nil leaves the server running after a pass
}

// ShutdownConfig powers a server off over SSH once a pass is done with it.
type ShutdownConfig struct {
	Delay int    `validate:"min=0"`                         // minutes before power off
	OS    string `validate:"omitempty,oneof=linux windows"` // "linux" (default) or "windows"
}
