package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/jbweber/homelab/vpcd/internal/migrations"
)

// EnvConfigPrefix prefixes every environment override, e.g. VPCD_LISTEN
const EnvConfigPrefix = "VPCD"

// Config holds all configuration for the vpcd service
type Config struct {
	DBPath    string `yaml:"db_path" envconfig:"DB_PATH"`
	Listen    string `yaml:"listen" envconfig:"LISTEN"`
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	// Router health checks
	ProbeRetries   uint          `yaml:"probe_retries" envconfig:"PROBE_RETRIES"`
	ProbeDelay     time.Duration `yaml:"probe_delay" envconfig:"PROBE_DELAY"`
	HealthInterval time.Duration `yaml:"health_interval" envconfig:"HEALTH_INTERVAL"`
	SettleAttempts int           `yaml:"settle_attempts" envconfig:"SETTLE_ATTEMPTS"`
	SettleInterval time.Duration `yaml:"settle_interval" envconfig:"SETTLE_INTERVAL"`

	SSHUser        string        `yaml:"ssh_user" envconfig:"SSH_USER"`
	SSHPassword    string        `yaml:"ssh_password" envconfig:"SSH_PASSWORD"`
	SSHKnownHosts  string        `yaml:"ssh_known_hosts" envconfig:"SSH_KNOWN_HOSTS"`
	RouterKey      string        `yaml:"router_key" envconfig:"ROUTER_KEY"`
	SSHDialTimeout time.Duration `yaml:"ssh_dial_timeout" envconfig:"SSH_DIAL_TIMEOUT"`

	// InstanceController is "noop" or "ec2"
	InstanceController string `yaml:"instance_controller" envconfig:"INSTANCE_CONTROLLER"`
	AWSRegion          string `yaml:"aws_region" envconfig:"AWS_REGION"`

	ViciSocket    string        `yaml:"vici_socket" envconfig:"VICI_SOCKET"`
	TunnelTimeout time.Duration `yaml:"tunnel_timeout" envconfig:"TUNNEL_TIMEOUT"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:             "~/vpcd/data/vpcd.db",
		Listen:             ":8080",
		LogLevel:           "info",
		LogFormat:          "text",
		ProbeRetries:       3,
		ProbeDelay:         2 * time.Second,
		HealthInterval:     30 * time.Second,
		SettleAttempts:     30,
		SettleInterval:     2 * time.Second,
		SSHUser:            "root",
		SSHDialTimeout:     10 * time.Second,
		InstanceController: "noop",
		ViciSocket:         "/var/run/charon.vici",
		TunnelTimeout:      30 * time.Second,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then VPCD_* environment variables.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(cfg.expandPath(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvConfigPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no usable zero value
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.ProbeRetries == 0 {
		errs = append(errs, errors.New("probe_retries must be at least 1"))
	}
	if c.SettleAttempts <= 0 {
		errs = append(errs, errors.New("settle_attempts must be at least 1"))
	}
	if c.HealthInterval <= 0 || c.TunnelTimeout <= 0 {
		errs = append(errs, errors.New("health_interval and tunnel_timeout must be positive"))
	}
	switch c.InstanceController {
	case "noop", "ec2":
	default:
		errs = append(errs, fmt.Errorf("unknown instance_controller %q", c.InstanceController))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// OpenDatabase opens the SQLite database without touching its schema
func (c *Config) OpenDatabase() (*sql.DB, error) {
	dbPath := c.expandPath(c.DBPath)

	// Ensure database directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", DatabaseDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	OptimizeDatabaseConnection(db)

	if err := ApplyPragmaOptimizations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
	}

	return db, nil
}

// InitializeDatabase opens the database and brings its schema up to date
func (c *Config) InitializeDatabase() (*sql.DB, error) {
	db, err := c.OpenDatabase()
	if err != nil {
		return nil, err
	}

	if err := c.runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}

// runMigrations runs all database migrations
func (c *Config) runMigrations(db *sql.DB) error {
	return migrations.NewDefaultMigrator(db).RunMigrations()
}
