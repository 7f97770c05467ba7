// Package config provides configuration file parsing and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fgeck/gopickup/internal/models"
	"github.com/fgeck/gopickup/internal/services/retention"
	"github.com/fgeck/gopickup/internal/services/scheduler"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Defaults applied by the parser.
const (
	DefaultSSHPort          = 22
	DefaultWOLTimeout       = 5 * time.Minute
	DefaultWOLPollInterval  = 10 * time.Second
	DefaultWOLStabilizeWait = 10 * time.Second
	DefaultDaemonCron       = "0 3 * * *"
	DefaultShutdownDelay    = 1 // minutes
	DefaultShutdownOS       = "linux"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("daemon.cron", DefaultDaemonCron)
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

type rawWOL struct {
	MACAddress    string        `mapstructure:"mac_address"`
	BroadcastIP   string        `mapstructure:"broadcast_ip"`
	PollURL       string        `mapstructure:"poll_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StabilizeWait time.Duration `mapstructure:"stabilize_wait"`
}

type rawShutdown struct {
	Delay *int   `mapstructure:"delay"`
	OS    string `mapstructure:"os"`
}

type rawServer struct {
	Host       string       `mapstructure:"host"`
	Port       int          `mapstructure:"port"`
	Username   string       `mapstructure:"username"`
	KeyPath    string       `mapstructure:"key_path"`
	KnownHosts string       `mapstructure:"known_hosts"`
	WOL        *rawWOL      `mapstructure:"wol"`
	Shutdown   *rawShutdown `mapstructure:"shutdown"`
}

type rawSchedule struct {
	ID                  string `mapstructure:"id"`
	Server              string `mapstructure:"server"`
	RemotePath          string `mapstructure:"remote_path"`
	LocalPath           string `mapstructure:"local_path"`
	DeleteServerPickups bool   `mapstructure:"delete_server_pickups"`
	KeepFailedPickups   bool   `mapstructure:"keep_failed_pickups"`
	ManageLocalBackups  bool   `mapstructure:"manage_local_backups"`
	Retention           string `mapstructure:"retention"`
}

func (p *Parser) parse() (*models.Config, error) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{
			Path: expandPath(p.v.GetString("database.path")),
		},
		LogFile: expandPath(p.v.GetString("log_file")),
		Retention: models.RetentionSettings{
			DefaultPolicy: p.v.GetString("retention.default_policy"),
		},
		Metrics: models.MetricsConfig{
			Textfile: expandPath(p.v.GetString("metrics.textfile")),
		},
		Daemon: models.DaemonConfig{
			Cron: p.v.GetString("daemon.cron"),
		},
	}

	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: os.ExpandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   os.ExpandEnv(p.v.GetString("telegram.chat_id")),
		}
	}

	var servers []rawServer
	if err := p.v.UnmarshalKey("servers", &servers); err != nil {
		return nil, fmt.Errorf("parsing servers: %w", err)
	}
	for _, raw := range servers {
		cfg.Servers = append(cfg.Servers, buildServer(raw))
	}

	var schedules []rawSchedule
	if err := p.v.UnmarshalKey("schedules", &schedules); err != nil {
		return nil, fmt.Errorf("parsing schedules: %w", err)
	}
	for _, raw := range schedules {
		cfg.Schedules = append(cfg.Schedules, models.Schedule{
			ID:                  raw.ID,
			ServerHost:          raw.Server,
			RemotePath:          raw.RemotePath,
			LocalPath:           expandPath(raw.LocalPath),
			DeleteServerPickups: raw.DeleteServerPickups,
			KeepFailedPickups:   raw.KeepFailedPickups,
			ManageLocalBackups:  raw.ManageLocalBackups,
			Retention:           raw.Retention,
		})
	}

	ResolveServers(cfg)

	return cfg, nil
}

func buildServer(raw rawServer) models.Server {
	srv := models.Server{
		Host:       raw.Host,
		Port:       raw.Port,
		Username:   raw.Username,
		KeyPath:    expandPath(raw.KeyPath),
		KnownHosts: expandPath(raw.KnownHosts),
	}
	if srv.Port == 0 {
		srv.Port = DefaultSSHPort
	}

	if raw.WOL != nil {
		srv.WOL = &models.WOLConfig{
			MACAddress:    raw.WOL.MACAddress,
			BroadcastIP:   raw.WOL.BroadcastIP,
			PollURL:       raw.WOL.PollURL,
			Timeout:       raw.WOL.Timeout,
			PollInterval:  raw.WOL.PollInterval,
			StabilizeWait: raw.WOL.StabilizeWait,
		}
		if srv.WOL.Timeout == 0 {
			srv.WOL.Timeout = DefaultWOLTimeout
		}
		if srv.WOL.PollInterval == 0 {
			srv.WOL.PollInterval = DefaultWOLPollInterval
		}
		if srv.WOL.StabilizeWait == 0 {
			srv.WOL.StabilizeWait = DefaultWOLStabilizeWait
		}
	}

	if raw.Shutdown != nil {
		srv.Shutdown = &models.ShutdownConfig{
			Delay: DefaultShutdownDelay,
			OS:    strings.ToLower(raw.Shutdown.OS),
		}
		if raw.Shutdown.Delay != nil {
			srv.Shutdown.Delay = *raw.Shutdown.Delay
		}
		if srv.Shutdown.OS == "" {
			srv.Shutdown.OS = DefaultShutdownOS
		}
	}

	return srv
}

// ResolveServers copies each schedule's server into the schedule.
// Schedules pointing at an unknown server are left unresolved.
func ResolveServers(cfg *models.Config) {
	byHost := make(map[string]models.Server, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		byHost[srv.Host] = srv
	}
	for i := range cfg.Schedules {
		if srv, ok := byHost[cfg.Schedules[i].ServerHost]; ok {
			cfg.Schedules[i].Server = srv
		}
	}
}

// expandPath expands environment variables and a leading ~/.
func expandPath(p string) string {
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var problems []string

	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validating config: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if len(cfg.Schedules) == 0 {
		problems = append(problems, "at least one schedule is required")
	}

	hosts := make(map[string]bool, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		if hosts[srv.Host] {
			problems = append(problems, fmt.Sprintf("server %s is defined more than once", srv.Host))
		}
		hosts[srv.Host] = true
	}

	ids := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if ids[s.ID] {
			problems = append(problems, fmt.Sprintf("schedule %s is defined more than once", s.ID))
		}
		ids[s.ID] = true

		if s.ServerHost != "" && !hosts[s.ServerHost] {
			problems = append(problems, fmt.Sprintf("schedule %s references unknown server %s", s.ID, s.ServerHost))
		}
		if s.Retention != "" {
			if _, err := retention.ParsePolicy(s.Retention); err != nil {
				problems = append(problems, fmt.Sprintf("schedule %s: %v", s.ID, err))
			}
		}
	}

	if cfg.Retention.DefaultPolicy != "" {
		if _, err := retention.ParsePolicy(cfg.Retention.DefaultPolicy); err != nil {
			problems = append(problems, fmt.Sprintf("retention.default_policy: %v", err))
		}
	}

	if cfg.Daemon.Cron != "" {
		if err := scheduler.ValidateSpec(cfg.Daemon.Cron); err != nil {
			problems = append(problems, fmt.Sprintf("daemon.cron: %v", err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "mac":
		return field + " must be a MAC address"
	case "ip":
		return field + " must be an IP address"
	case "url":
		return field + " must be a URL"
	case "hostname_rfc1123|ip":
		return field + " must be a hostname or IP address"
	case "gte", "lte":
		return fmt.Sprintf("%s must be between 1 and 65535", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
