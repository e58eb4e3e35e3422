package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "memory://", cfg.Server.StoreDSN)
	assert.Equal(t, time.Minute, cfg.Agent.Interval)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9090"
  store_dsn: "postgres://sync:sync@db/ebs?sslmode=disable"
  jwt_secret: "s3cret"
agent:
  server_url: "https://sync.example.com"
  company_id: "c1"
  location_id: "l1"
  interval: 30s
  tables:
    - products
    - sales
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, "c1", cfg.Agent.CompanyID)
	assert.Equal(t, 30*time.Second, cfg.Agent.Interval)
	assert.Equal(t, []string{"products", "sales"}, cfg.Agent.Tables)
	assert.Equal(t, "debug", cfg.Logging.Level)

	require.NoError(t, cfg.ValidateServer())
	require.NoError(t, cfg.ValidateAgent())
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":9090\"\n"), 0o600))

	t.Setenv("EBS_SERVER_LISTEN", ":7070")
	t.Setenv("EBS_JWT_SECRET", "from-env")
	t.Setenv("EBS_AGENT_COMPANY_ID", "c9")
	t.Setenv("EBS_AGENT_INTERVAL", "2m")
	t.Setenv("EBS_AGENT_TABLES", "products, customers")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, "from-env", cfg.Server.JWTSecret)
	assert.Equal(t, "c9", cfg.Agent.CompanyID)
	assert.Equal(t, 2*time.Minute, cfg.Agent.Interval)
	assert.Equal(t, []string{"products", "customers"}, cfg.Agent.Tables)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateServer(), "default config has no jwt secret")

	cfg.Server.JWTSecret = "s"
	require.NoError(t, cfg.ValidateServer())

	cfg.Agent.CompanyID = "c1"
	cfg.Agent.LocationID = "l1"
	require.NoError(t, cfg.ValidateAgent())

	cfg.Agent.PageSize = 5000
	assert.Error(t, cfg.ValidateAgent())
	cfg.Agent.PageSize = 100

	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.ValidateAgent())
}

func TestValidateAgentRequiresLocationForSales(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.CompanyID = "c1"

	// The default table set includes sales, which is location-bound.
	err := cfg.ValidateAgent()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "location_id")

	cfg.Agent.Tables = []string{"products", "customers"}
	require.NoError(t, cfg.ValidateAgent())

	cfg.Agent.Tables = []string{"products", "sales"}
	assert.Error(t, cfg.ValidateAgent())

	cfg.Agent.LocationID = "l1"
	require.NoError(t, cfg.ValidateAgent())
}
