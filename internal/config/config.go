// Package config resolves the process configuration once at startup.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// GENESYNC_* environment variables, then the database credentials file.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"genesync/internal/blob"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GENESYNC_"

// ErrCredentials reports a malformed credentials file.
var ErrCredentials = errors.New("invalid credentials file")

// Config is the resolved process configuration.
type Config struct {
	Source  SourceConfig  `yaml:"source" envPrefix:"SOURCE_"`
	Loop    LoopConfig    `yaml:"loop" envPrefix:"LOOP_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Assets  blob.Config   `yaml:"assets" envPrefix:"ASSETS_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
}

// SourceConfig configures the report site client.
type SourceConfig struct {
	Origin            string        `yaml:"origin" env:"ORIGIN"`
	UserAgent         string        `yaml:"user_agent" env:"USER_AGENT"`
	Timeout           time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	Burst             int           `yaml:"burst" env:"BURST"`
}

// LoopConfig configures the reconciliation loop.
type LoopConfig struct {
	Interval    time.Duration `yaml:"interval" env:"INTERVAL"`
	Concurrency int           `yaml:"concurrency" env:"CONCURRENCY"`
}

// StorageConfig configures the catalog database.
type StorageConfig struct {
	Driver     string `yaml:"driver" env:"DRIVER"`
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	MemorySeed string `yaml:"memory_seed" env:"MEMORY_SEED"`
	Migrate    bool   `yaml:"migrate" env:"MIGRATE"`
	// CredentialsFile holds "user,password" on line 1 and the database name
	// on line 2. Empty disables it.
	CredentialsFile string         `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
	Postgres        PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
}

// PostgresConfig holds the postgres connection settings. User, Password and
// Database are normally filled from the credentials file.
type PostgresConfig struct {
	DSN          string `yaml:"dsn" env:"DSN"`
	Host         string `yaml:"host" env:"HOST"`
	Port         int    `yaml:"port" env:"PORT"`
	SSLMode      string `yaml:"sslmode" env:"SSLMODE"`
	User         string `yaml:"user" env:"USER"`
	Password     string `yaml:"password" env:"PASSWORD"`
	Database     string `yaml:"database" env:"DATABASE"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// MetricsConfig configures the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// Credentials is the resolved database login.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Origin:  "http://flybase.org",
			Timeout: 60 * time.Second,
			Burst:   1,
		},
		Loop: LoopConfig{
			Interval:    15 * time.Minute,
			Concurrency: 20,
		},
		Storage: StorageConfig{
			Driver:          "postgres",
			SQLitePath:      "./genesync.db",
			Migrate:         true,
			CredentialsFile: "./credentials.txt",
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Assets: blob.Config{
			Driver: string(blob.DriverFilesystem),
			Root:   "./assets",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load resolves the configuration. path names an optional YAML file; an
// empty path skips it. A missing credentials file is only an error when the
// postgres driver needs it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.applyCredentials(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyCredentials() error {
	path := c.Storage.CredentialsFile
	if path == "" || c.Storage.Driver != "postgres" || c.Storage.Postgres.DSN != "" {
		return nil
	}
	creds, err := ReadCredentials(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && c.Storage.Postgres.User != "" {
			return nil
		}
		return err
	}
	c.Storage.Postgres.User = creds.Username
	c.Storage.Postgres.Password = creds.Password
	c.Storage.Postgres.Database = creds.Database
	return nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Source.Origin == "" {
		errs = append(errs, errors.New("source origin is required"))
	}
	if c.Source.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("source timeout must be positive, got %s", c.Source.Timeout))
	}
	if c.Source.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests per second must not be negative, got %g", c.Source.RequestsPerSecond))
	}
	if c.Loop.Interval <= 0 {
		errs = append(errs, fmt.Errorf("loop interval must be positive, got %s", c.Loop.Interval))
	}
	if c.Loop.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("loop concurrency must be positive, got %d", c.Loop.Concurrency))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch blob.Driver(c.Assets.Driver) {
	case blob.DriverFilesystem, blob.DriverS3, blob.DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown asset driver %q", c.Assets.Driver))
	}
	if blob.Driver(c.Assets.Driver) == blob.DriverS3 && c.Assets.S3.Bucket == "" {
		errs = append(errs, errors.New("s3 asset driver requires a bucket"))
	}
	return errors.Join(errs...)
}

// ReadCredentials parses a credentials file: "user,password" on the first
// line and the database name on the second.
func ReadCredentials(path string) (Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("open credentials: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	return parseCredentials(lines)
}

func parseCredentials(lines []string) (Credentials, error) {
	if len(lines) == 0 {
		return Credentials{}, fmt.Errorf("%w: login not found", ErrCredentials)
	}
	user, password, ok := strings.Cut(lines[0], ",")
	if !ok || strings.TrimSpace(user) == "" {
		return Credentials{}, fmt.Errorf("%w: login not found", ErrCredentials)
	}
	var database string
	if len(lines) > 1 {
		database = strings.TrimSpace(lines[1])
	}
	if database == "" {
		return Credentials{}, fmt.Errorf("%w: database not found", ErrCredentials)
	}
	return Credentials{
		Username: strings.TrimSpace(user),
		Password: strings.TrimSpace(password),
		Database: database,
	}, nil
}
