package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/config"
)

// chdir moves into an empty directory so a developer's .env is not read.
func chdir(t *testing.T) string {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, config.DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "loyalty.db", cfg.SQLitePath)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.CacheEnabled())
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
}

func TestLoad_EnvironmentAndDotEnv(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("LOYALTY_REDIS_ADDR=localhost:6379\nLOYALTY_HTTP_PORT=9000\n"), 0o600))
	t.Setenv("LOYALTY_HTTP_PORT", "9100")
	t.Setenv("LOYALTY_REFRESH_TENANTS", "1,2")
	t.Cleanup(func() { os.Unsetenv("LOYALTY_REDIS_ADDR") })

	cfg, err := config.Load()
	require.NoError(t, err)
	// the real environment wins over .env
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.True(t, cfg.CacheEnabled())
	assert.Equal(t, []int64{1, 2}, cfg.RefreshTenants)
}

func TestValidate(t *testing.T) {
	base := config.Config{
		HTTPPort: 8080, DBDriver: config.DriverSQLite, SQLitePath: "x.db",
		LogLevel: "info", LogFormat: "text", DBMaxConns: 1,
		RefreshSchedule: "15 3 * * *", CacheTTL: time.Hour,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port", func(c *config.Config) { c.HTTPPort = 0 }},
		{"driver", func(c *config.Config) { c.DBDriver = "mysql" }},
		{"postgres without url", func(c *config.Config) { c.DBDriver = config.DriverPostgres }},
		{"bad cron", func(c *config.Config) { c.RedisAddr = "r:6379"; c.RefreshSchedule = "every day" }},
		{"log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	cfg := config.Config{LogLevel: "debug", LogFormat: "json"}
	cfg.SetupLogging()
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	_, ok := log.StandardLogger().Formatter.(*log.JSONFormatter)
	assert.True(t, ok)
	log.SetFormatter(&log.TextFormatter{})
}
