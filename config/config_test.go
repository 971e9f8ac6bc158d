package config_test

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrimart/season-ledger/config"
	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/money"
)

// inTempDir runs the test from an empty directory so no stray .env is read.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	threshold, err := cfg.Threshold()
	require.NoError(t, err)
	assert.True(t, threshold.Equal(money.New(60_000_000)))
	assert.Equal(t, ledger.DefaultMaxAttempts, cfg.Ledger.MaxCloseAttempts)
	assert.Equal(t, config.DriverSQLite, cfg.Database.Driver)
	assert.Zero(t, cfg.Audit.Interval)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  allowed_origins: ["https://shop.example"]
database:
  driver: memory
ledger:
  reward_threshold: "50000000"
  max_close_attempts: 5
debt:
  timeout: 2s
audit:
  interval: 1h
log:
  level: debug
`), 0o644))

	t.Setenv("PORT", "7070")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7070, cfg.Server.Port, "env overrides file")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, config.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 5, cfg.Ledger.MaxCloseAttempts)
	assert.Equal(t, 2*time.Second, cfg.Debt.Timeout)
	assert.Equal(t, time.Hour, cfg.Audit.Interval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "defaults survive")

	threshold, err := cfg.Threshold()
	require.NoError(t, err)
	assert.True(t, threshold.Equal(money.New(50_000_000)))
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DEBT_SEED_FILE=seed.yaml\nLOG_LEVEL=warn\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DEBT_SEED_FILE") })

	// Real environment beats .env.
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "seed.yaml", cfg.Debt.SeedFile)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	dir := inTempDir(t)

	_, err := config.Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [1"), 0o644))
	_, err = config.Load(bad)
	assert.Error(t, err)

	t.Setenv("PORT", "eighty")
	_, err = config.Load("")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*config.Config)
		target error
	}{
		{"zero threshold", func(c *config.Config) { c.Ledger.RewardThreshold = "0" }, ledger.ErrInvalidThreshold},
		{"negative threshold", func(c *config.Config) { c.Ledger.RewardThreshold = "-1" }, ledger.ErrInvalidThreshold},
		{"garbage threshold", func(c *config.Config) { c.Ledger.RewardThreshold = "sáu mươi triệu" }, ledger.ErrInvalidThreshold},
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mysql" }, config.ErrInvalidConfig},
		{"postgres without dsn", func(c *config.Config) { c.Database.Driver = config.DriverPostgres; c.Database.URL = "" }, config.ErrInvalidConfig},
		{"no attempts", func(c *config.Config) { c.Ledger.MaxCloseAttempts = 0 }, config.ErrInvalidConfig},
		{"bad port", func(c *config.Config) { c.Server.Port = 70000 }, config.ErrInvalidConfig},
		{"negative audit", func(c *config.Config) { c.Audit.Interval = -time.Second }, config.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.target)
		})
	}
}

func TestFlags_OnlySetFlagsOverride(t *testing.T) {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", "x.yaml", "-port", "3000", "-driver", "memory"}))

	cfg := config.Default()
	cfg.Database.URL = "from-file.db"
	flags.Apply(&cfg)

	assert.Equal(t, "x.yaml", flags.ConfigPath)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, config.DriverMemory, cfg.Database.Driver)
	assert.Equal(t, "from-file.db", cfg.Database.URL, "unset flag keeps loaded value")
}
