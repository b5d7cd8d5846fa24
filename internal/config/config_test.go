package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithoutCredentials(t *testing.T) {
	t.Setenv("GENESYNC_STORAGE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://flybase.org", cfg.Source.Origin)
	assert.Equal(t, 60*time.Second, cfg.Source.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Loop.Interval)
	assert.Equal(t, 20, cfg.Loop.Concurrency)
	assert.True(t, cfg.Storage.Migrate)
	assert.Equal(t, "fs", cfg.Assets.Driver)
	assert.Equal(t, "./assets", cfg.Assets.Root)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadPrecedence(t *testing.T) {
	creds := writeFile(t, "credentials.txt", "flybase, s3cret\nflygenes_prod\n")
	file := writeFile(t, "genesync.yaml", `
source:
  origin: http://mirror.example.org
  timeout: 30s
loop:
  interval: 1h
  concurrency: 5
storage:
  driver: postgres
  credentials_file: `+creds+`
  postgres:
    host: db.internal
    user: from-yaml
assets:
  driver: s3
  s3:
    bucket: gene-images
    region: eu-west-1
`)
	t.Setenv("GENESYNC_LOOP_CONCURRENCY", "8")
	t.Setenv("GENESYNC_ASSETS_S3_PREFIX", "isoforms")
	t.Setenv("GENESYNC_STORAGE_POSTGRES_USER", "from-env")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "http://mirror.example.org", cfg.Source.Origin)
	assert.Equal(t, 30*time.Second, cfg.Source.Timeout)
	assert.Equal(t, time.Hour, cfg.Loop.Interval)
	assert.Equal(t, 8, cfg.Loop.Concurrency, "env wins over yaml")
	assert.Equal(t, "db.internal", cfg.Storage.Postgres.Host)
	assert.Equal(t, 5432, cfg.Storage.Postgres.Port, "defaults survive partial yaml")
	assert.Equal(t, "flybase", cfg.Storage.Postgres.User, "credentials file wins over env")
	assert.Equal(t, "s3cret", cfg.Storage.Postgres.Password)
	assert.Equal(t, "flygenes_prod", cfg.Storage.Postgres.Database)
	assert.Equal(t, "gene-images", cfg.Assets.S3.Bucket)
	assert.Equal(t, "eu-west-1", cfg.Assets.S3.Region)
	assert.Equal(t, "isoforms", cfg.Assets.S3.Prefix)
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	file := writeFile(t, "genesync.yaml", "loop:\n  intervall: 5m\n")
	_, err := Load(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadEmptyYAMLKeepsDefaults(t *testing.T) {
	t.Setenv("GENESYNC_STORAGE_DRIVER", "sqlite")
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, "./genesync.db", cfg.Storage.SQLitePath)
}

func TestLoadBadEnvValue(t *testing.T) {
	t.Setenv("GENESYNC_LOOP_INTERVAL", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadMissingCredentialsFileFailsForPostgres(t *testing.T) {
	t.Setenv("GENESYNC_STORAGE_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "absent.txt"))
	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	t.Setenv("GENESYNC_STORAGE_POSTGRES_USER", "svc")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "svc", cfg.Storage.Postgres.User)
}

func TestLoadDSNSkipsCredentials(t *testing.T) {
	t.Setenv("GENESYNC_STORAGE_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "absent.txt"))
	t.Setenv("GENESYNC_STORAGE_POSTGRES_DSN", "postgres://u:p@db/genes")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/genes", cfg.Storage.Postgres.DSN)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no origin":        func(c *Config) { c.Source.Origin = "" },
		"zero timeout":     func(c *Config) { c.Source.Timeout = 0 },
		"negative rate":    func(c *Config) { c.Source.RequestsPerSecond = -1 },
		"zero interval":    func(c *Config) { c.Loop.Interval = 0 },
		"zero concurrency": func(c *Config) { c.Loop.Concurrency = 0 },
		"storage driver":   func(c *Config) { c.Storage.Driver = "mysql" },
		"asset driver":     func(c *Config) { c.Assets.Driver = "ftp" },
		"s3 bucket":        func(c *Config) { c.Assets.Driver = "s3" },
	}
	require.NoError(t, Default().Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestReadCredentials(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    Credentials
		wantErr bool
	}{
		{name: "plain", content: "admin,pw\nflybase\n", want: Credentials{Username: "admin", Password: "pw", Database: "flybase"}},
		{name: "spaces and crlf", content: " admin , pw \r\n flybase \r\n", want: Credentials{Username: "admin", Password: "pw", Database: "flybase"}},
		{name: "comma in password", content: "admin,p,w\nflybase", want: Credentials{Username: "admin", Password: "p,w", Database: "flybase"}},
		{name: "empty password", content: "admin,\nflybase", want: Credentials{Username: "admin", Database: "flybase"}},
		{name: "no comma", content: "admin\nflybase\n", wantErr: true},
		{name: "no database", content: "admin,pw\n", wantErr: true},
		{name: "blank database", content: "admin,pw\n   \n", wantErr: true},
		{name: "empty", content: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReadCredentials(writeFile(t, "credentials.txt", tc.content))
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
