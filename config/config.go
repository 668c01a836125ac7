// Package config defines the configuration for a temporary PostgreSQL server
// instance and the functional options used to tweak it.
package config

import (
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
)

// Config describes how the temporary server is located, started, and torn
// down. The zero value is not usable; start from DefaultConfig.
type Config struct {
	// BinDir is a directory containing the PostgreSQL binaries (initdb,
	// postgres, pg_ctl, pg_isready). Empty means probe $PATH and the usual
	// installation directories.
	BinDir string `env:"PGTEMP_BIN_DIR"`

	// Databases are created on the server after startup. The kit's pools
	// connect to the first entry; when the list is empty a uniquely named
	// database is created instead.
	Databases []string `env:"PGTEMP_DATABASES"`

	// Username is the role the kit connects as. It is created with LOGIN
	// SUPERUSER if missing. Defaults to the current OS user.
	Username string `env:"PGTEMP_USER"`

	// AdminDatabase is the maintenance database used for CREATE/DROP
	// DATABASE. Defaults to "postgres".
	AdminDatabase string

	// Dir overrides the generated temp directory holding the data and
	// socket subdirectories. Empty means os.MkdirTemp("", "pg_tmp_").
	Dir string `env:"PGTEMP_DIR"`

	// SocketDir overrides the Unix socket directory. Empty means
	// <Dir>/socket.
	SocketDir string

	// StartupParams are passed to the postgres server as -c name=value.
	StartupParams map[string]string

	// DSNParams are appended to every connection string (e.g.
	// "search_path=public").
	DSNParams map[string]string

	// RetryAttempts and RetryInterval drive the readiness poll after the
	// server process starts.
	RetryAttempts uint64        `env:"PGTEMP_RETRY_ATTEMPTS"`
	RetryInterval time.Duration `env:"PGTEMP_RETRY_INTERVAL"`

	// StartTimeout bounds the whole startup sequence (initdb + start +
	// readiness).
	StartTimeout time.Duration `env:"PGTEMP_START_TIMEOUT"`

	// KeepData leaves the data directory (and created databases) in place
	// on cleanup, for post-mortem inspection.
	KeepData bool `env:"PGTEMP_KEEP_DATA"`

	// UseEmbedded forces the embedded-postgres backend even when a local
	// installation is available. The embedded backend also engages
	// automatically when no local binaries are found.
	UseEmbedded bool `env:"PGTEMP_EMBEDDED"`

	// EmbeddedVersion selects the PostgreSQL version downloaded by the
	// embedded backend.
	EmbeddedVersion string `env:"PGTEMP_EMBEDDED_VERSION"`

	// Port is only used by the embedded backend. 0 selects a random free
	// port.
	Port uint32

	// ServerLog receives the raw initdb/postgres output. Nil discards it.
	ServerLog *os.File

	// SQLTxOptions and PgxTxOptions configure the transactions opened by
	// the RunSQLTx / RunTx helpers.
	SQLTxOptions *sql.TxOptions
	PgxTxOptions pgx.TxOptions
}

// DefaultConfig returns the configuration used when callers pass no
// overrides: a socket-only server owned by the current OS user, a readiness
// poll of 30 attempts at 250ms, and fsync disabled since the data directory
// never outlives the test run.
func DefaultConfig() Config {
	username := "postgres"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	return Config{
		Username:      username,
		AdminDatabase: "postgres",
		StartupParams: map[string]string{
			"fsync": "off",
		},
		RetryAttempts:   30,
		RetryInterval:   250 * time.Millisecond,
		StartTimeout:    30 * time.Second,
		EmbeddedVersion: "16.4.0",
	}
}

// FromEnv returns DefaultConfig overlaid with any PGTEMP_* environment
// variables. PGTEMP_DATABASES is a comma-separated list.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse PGTEMP_* environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields every backend relies on.
func (c *Config) Validate() error {
	var errs []string
	if c.Username == "" {
		errs = append(errs, "Username must not be empty")
	}
	if c.AdminDatabase == "" {
		errs = append(errs, "AdminDatabase must not be empty")
	}
	if c.RetryAttempts == 0 {
		errs = append(errs, "RetryAttempts must be at least 1")
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, "RetryInterval must be positive")
	}
	for _, name := range c.Databases {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "Databases must not contain empty names")
			break
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, ", "))
	}
	return nil
}
