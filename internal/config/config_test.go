package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sqliteEnv(t *testing.T) {
	t.Setenv("ZAKI_DATABASE_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
}

func TestLoad_Defaults(t *testing.T) {
	sqliteEnv(t)

	cfg, err := LoadFs(afero.NewMemMapFs(), "")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "zaki.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Database.ConnectAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Database.ConnectBackoff)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "INFO", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, time.Duration(0), cfg.Dispatch.ClaimTimeout)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
}

func TestLoad_File(t *testing.T) {
	sqliteEnv(t)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/zaki.yaml", []byte(`
database:
  path: /var/lib/zaki/tasks.db
log:
  level: debug
  format: text
dispatch:
  claim_timeout: 10m
  sweep_interval: 1m
worker:
  agent: builder-1
`), 0o644))

	cfg, err := LoadFs(fs, "/etc/zaki.yaml")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/zaki/tasks.db", cfg.Database.Path)
	assert.Equal(t, "DEBUG", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.ClaimTimeout)
	assert.Equal(t, time.Minute, cfg.Dispatch.SweepInterval)
	assert.Equal(t, "builder-1", cfg.Worker.Agent)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("ZAKI_LOG_LEVEL", "ERROR")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "zaki.yaml", []byte("log:\n  level: debug\n"), 0o644))

	cfg, err := LoadFs(fs, "zaki.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.Log.Level)
}

func TestLoad_PlatformEnv(t *testing.T) {
	t.Setenv("ZAKI_DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/zaki")
	t.Setenv("PORT", "9090")

	cfg, err := LoadFs(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/zaki", cfg.Database.URL)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	sqliteEnv(t)
	_, err := LoadFs(afero.NewMemMapFs(), "/nope.yaml")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Database: DatabaseConfig{Driver: "sqlite", Path: "x.db", ConnectAttempts: 1, ConnectBackoff: time.Second},
			Server:   ServerConfig{Addr: ":8080"},
			Log:      LogConfig{Level: "INFO", Format: "json"},
			Dispatch: DispatchConfig{SweepInterval: time.Second},
			Worker:   WorkerConfig{ServerURL: "http://localhost:8080", PollInterval: time.Second, PlanDir: "."},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"postgres needs url", func(c *Config) { c.Database.Driver = "postgres" }, "URL"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "Driver"},
		{"bad level", func(c *Config) { c.Log.Level = "LOUD" }, "Level"},
		{"negative claim timeout", func(c *Config) { c.Dispatch.ClaimTimeout = -time.Second }, "ClaimTimeout"},
		{"zero poll", func(c *Config) { c.Worker.PollInterval = 0 }, "PollInterval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_ClientSkipsDatabase(t *testing.T) {
	t.Setenv("ZAKI_DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ZAKI_WORKER_SERVER_URL", "http://zaki.internal:8080")

	_, err := LoadFs(afero.NewMemMapFs(), "")
	require.Error(t, err)

	fs := afero.NewMemMapFs()
	cfg, err := load(fs, "", "Database")
	require.NoError(t, err)
	assert.Equal(t, "http://zaki.internal:8080", cfg.Worker.ServerURL)
}
