/*
Package config loads the server configuration.

LOAD ORDER (later wins):
  1. Defaults
  2. YAML file (optional, -config flag)
  3. .env in the working directory (never overrides real environment)
  4. Environment variables
  5. Command-line flags that were explicitly set

ENVIRONMENT:
  PORT              HTTP port
  DATABASE_DRIVER   sqlite | postgres | memory
  DATABASE_URL      SQLite path or PostgreSQL DSN
  LOG_LEVEL         debug | info | warn | error
  REWARD_THRESHOLD  whole VND, e.g. 60000000
  DEBT_SERVICE_URL  base URL of the invoice service
  DEBT_SEED_FILE    YAML seed for the static debt source
  ALLOWED_ORIGINS   comma separated CORS origins
  AUDIT_INTERVAL    e.g. 1h, 0 disables
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/agrimart/season-ledger/ledger"
	"github.com/agrimart/season-ledger/logging"
	"github.com/agrimart/season-ledger/money"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Debt     DebtConfig     `yaml:"debt"`
	Log      logging.Config `yaml:"log"`
	Audit    AuditConfig    `yaml:"audit"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type LedgerConfig struct {
	// RewardThreshold is whole VND as text so large values survive YAML.
	RewardThreshold  string `yaml:"reward_threshold"`
	MaxCloseAttempts int    `yaml:"max_close_attempts"`
}

type DebtConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Timeout    time.Duration `yaml:"timeout"`
	SeedFile   string        `yaml:"seed_file"`
}

type AuditConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{Driver: DriverSQLite, URL: "ledger.db"},
		Ledger: LedgerConfig{
			RewardThreshold:  ledger.DefaultRewardThreshold.String(),
			MaxCloseAttempts: ledger.DefaultMaxAttempts,
		},
		Debt: DebtConfig{Timeout: 5 * time.Second},
		Log:  logging.Config{Level: "info"},
	}
}

// Load applies the file at path (if any), .env and the environment on top of
// the defaults. Flags are applied separately with Flags.Apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: PORT=%q", ErrInvalidConfig, v)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("DATABASE_DRIVER"); ok {
		c.Database.Driver = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		c.Database.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("REWARD_THRESHOLD"); ok {
		c.Ledger.RewardThreshold = v
	}
	if v, ok := lookup("DEBT_SERVICE_URL"); ok {
		c.Debt.ServiceURL = v
	}
	if v, ok := lookup("DEBT_SEED_FILE"); ok {
		c.Debt.SeedFile = v
	}
	if v, ok := lookup("ALLOWED_ORIGINS"); ok {
		c.Server.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("AUDIT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: AUDIT_INTERVAL=%q", ErrInvalidConfig, v)
		}
		c.Audit.Interval = d
	}
	return nil
}

// Threshold parses the configured reward threshold.
func (c Config) Threshold() (money.Amount, error) {
	t, err := money.Parse(c.Ledger.RewardThreshold)
	if err != nil {
		return money.Amount{}, fmt.Errorf("%w: reward threshold: %v", ledger.ErrInvalidThreshold, err)
	}
	if err := ledger.ValidateThreshold(t); err != nil {
		return money.Amount{}, err
	}
	return t, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if _, err := c.Threshold(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("%w: database url is required for %s", ErrInvalidConfig, c.Database.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown database driver %q", ErrInvalidConfig, c.Database.Driver)
	}
	if c.Ledger.MaxCloseAttempts < 1 {
		return fmt.Errorf("%w: max close attempts must be at least 1", ErrInvalidConfig)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	if c.Audit.Interval < 0 {
		return fmt.Errorf("%w: negative audit interval", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// FLAGS
// =============================================================================

// Flags holds command-line overrides.
type Flags struct {
	fs         *flag.FlagSet
	ConfigPath string
	port       int
	driver     string
	dbURL      string
	logLevel   string
	threshold  string
	debtURL    string
	debtSeed   string
	audit      time.Duration
}

// RegisterFlags defines the server flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVar(&f.ConfigPath, "config", "", "YAML config file")
	fs.IntVar(&f.port, "port", 8080, "HTTP server port")
	fs.StringVar(&f.driver, "driver", DriverSQLite, "database driver: sqlite, postgres or memory")
	fs.StringVar(&f.dbURL, "db", "ledger.db", "SQLite path or PostgreSQL DSN")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level")
	fs.StringVar(&f.threshold, "threshold", ledger.DefaultRewardThreshold.String(), "reward threshold in VND")
	fs.StringVar(&f.debtURL, "debt-url", "", "invoice service base URL")
	fs.StringVar(&f.debtSeed, "debt-seed", "", "YAML debt seed (used when -debt-url is empty)")
	fs.DurationVar(&f.audit, "audit-interval", 0, "balance audit interval, 0 disables")
	return f
}

// Apply copies the flags that were set on the command line into cfg.
func (f *Flags) Apply(cfg *Config) {
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Server.Port = f.port
		case "driver":
			cfg.Database.Driver = f.driver
		case "db":
			cfg.Database.URL = f.dbURL
		case "log-level":
			cfg.Log.Level = f.logLevel
		case "threshold":
			cfg.Ledger.RewardThreshold = f.threshold
		case "debt-url":
			cfg.Debt.ServiceURL = f.debtURL
		case "debt-seed":
			cfg.Debt.SeedFile = f.debtSeed
		case "audit-interval":
			cfg.Audit.Interval = f.audit
		}
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
