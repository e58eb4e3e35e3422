// Package config holds the configuration for both binaries: the sync
// server and the on-site agent. Values come from defaults, then an
// optional YAML file, then EBS_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/FASALURAHMANMK/EBS-Lite-sub000/internal/erpsync"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the remote sync endpoint.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	StoreDSN        string        `yaml:"store_dsn"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AgentConfig configures the client-side sync agent.
type AgentConfig struct {
	ServerURL      string        `yaml:"server_url"`
	Token          string        `yaml:"token"`
	DBPath         string        `yaml:"db_path"`
	CompanyID      string        `yaml:"company_id"`
	LocationID     string        `yaml:"location_id"`
	Tables         []string      `yaml:"tables"`
	PageSize       int           `yaml:"page_size"`
	WindowDays     int           `yaml:"window_days"`
	Interval       time.Duration `yaml:"interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	WatchDB        bool          `yaml:"watch_db"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			StoreDSN:        "memory://",
			JWTSecret:       "",
			RateLimitMax:    600,
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 15 * time.Second,
		},
		Agent: AgentConfig{
			ServerURL:      "http://127.0.0.1:8080",
			DBPath:         "ebs-agent.db",
			PageSize:       1000,
			WindowDays:     30,
			Interval:       time.Minute,
			ProbeInterval:  30 * time.Second,
			RequestTimeout: 15 * time.Second,
			WatchDB:        true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// ValidateServer checks the fields the server binary needs.
func (c *Config) ValidateServer() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.StoreDSN == "" {
		return errors.New("server.store_dsn is required")
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	if c.Server.RateLimitWindow <= 0 {
		return errors.New("server.rate_limit_window must be positive")
	}
	return c.validateLogging()
}

// ValidateAgent checks the fields the agent binary needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.ServerURL == "" {
		return errors.New("agent.server_url is required")
	}
	if c.Agent.DBPath == "" {
		return errors.New("agent.db_path is required")
	}
	if c.Agent.CompanyID == "" {
		return errors.New("agent.company_id is required")
	}
	if c.Agent.PageSize <= 0 || c.Agent.PageSize > 1000 {
		return errors.New("agent.page_size must be between 1 and 1000")
	}
	if c.Agent.Interval <= 0 {
		return errors.New("agent.interval must be positive")
	}
	tables := c.Agent.Tables
	if len(tables) == 0 {
		tables = erpsync.TableNames()
	}
	for _, name := range tables {
		table, err := erpsync.ValidateTable(name)
		if err != nil {
			return err
		}
		if table.Transactional && c.Agent.LocationID == "" {
			return fmt.Errorf("agent.location_id is required when syncing %q", name)
		}
	}
	return c.validateLogging()
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format)
	}
	return nil
}
