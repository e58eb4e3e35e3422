package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from an optional YAML file and applies
// EBS_* environment overrides on top. A missing file is not an error;
// defaults plus environment carry a typical deployment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Listen, "EBS_SERVER_LISTEN")
	setString(&cfg.Server.StoreDSN, "EBS_SERVER_STORE_DSN")
	setString(&cfg.Server.JWTSecret, "EBS_JWT_SECRET")
	setInt(&cfg.Server.RateLimitMax, "EBS_SERVER_RATE_LIMIT_MAX")
	setDuration(&cfg.Server.RateLimitWindow, "EBS_SERVER_RATE_LIMIT_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "EBS_SERVER_SHUTDOWN_TIMEOUT")

	setString(&cfg.Agent.ServerURL, "EBS_AGENT_SERVER_URL")
	setString(&cfg.Agent.Token, "EBS_AGENT_TOKEN")
	setString(&cfg.Agent.DBPath, "EBS_AGENT_DB_PATH")
	setString(&cfg.Agent.CompanyID, "EBS_AGENT_COMPANY_ID")
	setString(&cfg.Agent.LocationID, "EBS_AGENT_LOCATION_ID")
	setInt(&cfg.Agent.PageSize, "EBS_AGENT_PAGE_SIZE")
	setInt(&cfg.Agent.WindowDays, "EBS_AGENT_WINDOW_DAYS")
	setDuration(&cfg.Agent.Interval, "EBS_AGENT_INTERVAL")
	setDuration(&cfg.Agent.ProbeInterval, "EBS_AGENT_PROBE_INTERVAL")
	setDuration(&cfg.Agent.RequestTimeout, "EBS_AGENT_REQUEST_TIMEOUT")
	if tables := os.Getenv("EBS_AGENT_TABLES"); tables != "" {
		parts := strings.Split(tables, ",")
		out := parts[:0]
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		cfg.Agent.Tables = out
	}

	setString(&cfg.Logging.Level, "EBS_LOG_LEVEL")
	setString(&cfg.Logging.Format, "EBS_LOG_FORMAT")
}

func setString(target *string, key string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	}
}

func setInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func setDuration(target *time.Duration, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			*target = parsed
		}
	}
}
