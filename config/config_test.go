package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Username)
	assert.Equal(t, "postgres", cfg.AdminDatabase)
	assert.Equal(t, "off", cfg.StartupParams["fsync"])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"empty username", func(c *Config) { c.Username = "" }, "Username"},
		{"empty admin db", func(c *Config) { c.AdminDatabase = "" }, "AdminDatabase"},
		{"zero retries", func(c *Config) { c.RetryAttempts = 0 }, "RetryAttempts"},
		{"bad interval", func(c *Config) { c.RetryInterval = 0 }, "RetryInterval"},
		{"blank database name", func(c *Config) { c.Databases = []string{"ok", " "} }, "empty names"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PGTEMP_BIN_DIR", "/opt/pg/bin")
	t.Setenv("PGTEMP_DATABASES", "alpha,beta")
	t.Setenv("PGTEMP_KEEP_DATA", "true")
	t.Setenv("PGTEMP_RETRY_INTERVAL", "2s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/opt/pg/bin", cfg.BinDir)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Databases)
	assert.True(t, cfg.KeepData)
	assert.Equal(t, 2*time.Second, cfg.RetryInterval)
}

func TestApplyOptionsMergesParams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartupParams = map[string]string{"fsync": "off", "work_mem": "8MB"}

	_, final := ApplyOptions(&cfg,
		WithStartupParams(map[string]string{"work_mem": "32MB"}),
		WithDSNParams(map[string]string{"search_path": "app"}),
	)

	assert.Equal(t, "off", final.StartupParams["fsync"])
	assert.Equal(t, "32MB", final.StartupParams["work_mem"], "options override config")
	assert.Equal(t, "app", final.DSNParams["search_path"])
}

func TestApplyOptionsDatabasesAppend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Databases = []string{"base"}

	_, final := ApplyOptions(&cfg, WithDatabases("extra1", "extra2"))
	assert.Equal(t, []string{"base", "extra1", "extra2"}, final.Databases)
}

func TestApplyOptionsFlags(t *testing.T) {
	cfg := DefaultConfig()
	settings, final := ApplyOptions(&cfg,
		WithKeepData(),
		WithEmbeddedServer(),
		WithBinDir("/somewhere/bin"),
	)

	assert.True(t, final.KeepData)
	assert.True(t, final.UseEmbedded)
	assert.Equal(t, "/somewhere/bin", final.BinDir)
	require.NotNil(t, settings.Migrator(), "default migrator must be set")
}

func TestApplyOptionsDoesNotMutateInitial(t *testing.T) {
	cfg := DefaultConfig()
	_, _ = ApplyOptions(&cfg, WithKeepData(), WithStartupParams(map[string]string{"x": "1"}))
	assert.False(t, cfg.KeepData)
	assert.NotContains(t, cfg.StartupParams, "x")
}
