package config

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/pgtemp/migration"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Settings holds configuration applied via functional options that does not
// belong in Config itself: the migrator, lifecycle hooks, and logger knobs.
type Settings struct {
	migrator            migration.Migrator
	databases           []string
	binDir              string
	useEmbedded         bool
	keepData            bool
	sqlTxOptions        *sql.TxOptions
	pgxTxOptions        pgx.TxOptions
	dsnParams           map[string]string
	startupParams       map[string]string
	zapOptions          []zap.Option
	zapTestLevel        *zap.AtomicLevel
	beforeMigrationHook func(ctx context.Context, dsn string, logger *zap.Logger) error
	afterConnectionHook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error
}

// --- Getters ---

func (sts *Settings) Migrator() migration.Migrator {
	return sts.migrator
}

func (sts *Settings) BeforeMigrationHook() func(ctx context.Context, dsn string, logger *zap.Logger) error {
	return sts.beforeMigrationHook
}

func (sts *Settings) AfterConnectionHook() func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error {
	return sts.afterConnectionHook
}

func (sts *Settings) ZapTestLevel() *zap.AtomicLevel {
	return sts.zapTestLevel
}

func (sts *Settings) ZapOptions() []zap.Option {
	return sts.zapOptions
}

// Option configures a temporary server instance.
type Option func(*Settings)

// WithDatabases appends databases to create on the server after startup.
func WithDatabases(names ...string) Option {
	return func(sts *Settings) { sts.databases = append(sts.databases, names...) }
}

// WithBinDir points the binary probe at an explicit installation directory.
func WithBinDir(dir string) Option {
	return func(sts *Settings) { sts.binDir = dir }
}

// WithEmbeddedServer forces the embedded-postgres backend, skipping the
// search for a local installation.
func WithEmbeddedServer() Option {
	return func(sts *Settings) { sts.useEmbedded = true }
}

// WithMigrator sets the migrator applied once the pools are connected.
func WithMigrator(m migration.Migrator) Option {
	return func(sts *Settings) { sts.migrator = m }
}

// WithKeepData leaves the data directory and databases in place on cleanup.
func WithKeepData() Option {
	return func(sts *Settings) { sts.keepData = true }
}

// WithSQLTxOptions provides custom transaction options for database/sql tests.
func WithSQLTxOptions(txOpts *sql.TxOptions) Option {
	return func(sts *Settings) { sts.sqlTxOptions = txOpts }
}

// WithPgxTxOptions provides custom transaction options for pgx tests.
func WithPgxTxOptions(txOpts pgx.TxOptions) Option {
	return func(sts *Settings) { sts.pgxTxOptions = txOpts }
}

// WithZapOptions provides additional options for the zap logger.
func WithZapOptions(zapOpts ...zap.Option) Option {
	return func(sts *Settings) { sts.zapOptions = append(sts.zapOptions, zapOpts...) }
}

// WithZapTestLevel sets the minimum log level for the zaptest logger.
func WithZapTestLevel(level zapcore.Level) Option {
	return func(sts *Settings) {
		atomicLevel := zap.NewAtomicLevelAt(level)
		sts.zapTestLevel = &atomicLevel
	}
}

// WithDSNParams provides additional parameters appended to connection
// strings.
func WithDSNParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.dsnParams == nil {
			sts.dsnParams = make(map[string]string)
		}
		for k, v := range params {
			sts.dsnParams[k] = v
		}
	}
}

// WithStartupParams provides additional server parameters passed as
// -c name=value.
func WithStartupParams(params map[string]string) Option {
	return func(sts *Settings) {
		if sts.startupParams == nil {
			sts.startupParams = make(map[string]string)
		}
		for k, v := range params {
			sts.startupParams[k] = v
		}
	}
}

// WithBeforeMigrationHook registers a function to run before migrations.
func WithBeforeMigrationHook(hook func(ctx context.Context, dsn string, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.beforeMigrationHook = hook }
}

// WithAfterConnectionHook registers a function to run once the sql.DB and
// pgxpool.Pool connections are established.
func WithAfterConnectionHook(hook func(ctx context.Context, db *sql.DB, pool *pgxpool.Pool, logger *zap.Logger) error) Option {
	return func(sts *Settings) { sts.afterConnectionHook = hook }
}

// ApplyOptions processes functional options and merges them into the initial
// Config. Options override the config; map-valued fields merge key by key.
func ApplyOptions(initialConfig *Config, options ...Option) (*Settings, Config) {
	settings := &Settings{
		migrator:      &migration.NoOpMigrator{},
		dsnParams:     make(map[string]string),
		startupParams: make(map[string]string),
		zapOptions:    make([]zap.Option, 0),
	}
	for _, opt := range options {
		opt(settings)
	}

	finalConfig := *initialConfig

	finalConfig.Databases = append(append([]string{}, finalConfig.Databases...), settings.databases...)

	if settings.binDir != "" {
		finalConfig.BinDir = settings.binDir
	}
	finalConfig.UseEmbedded = finalConfig.UseEmbedded || settings.useEmbedded
	finalConfig.KeepData = finalConfig.KeepData || settings.keepData

	mergedDSNParams := make(map[string]string)
	for k, v := range finalConfig.DSNParams {
		mergedDSNParams[k] = v
	}
	for k, v := range settings.dsnParams {
		mergedDSNParams[k] = v
	}
	finalConfig.DSNParams = mergedDSNParams

	mergedStartupParams := make(map[string]string)
	for k, v := range finalConfig.StartupParams {
		mergedStartupParams[k] = v
	}
	for k, v := range settings.startupParams {
		mergedStartupParams[k] = v
	}
	finalConfig.StartupParams = mergedStartupParams

	if settings.sqlTxOptions != nil {
		finalConfig.SQLTxOptions = settings.sqlTxOptions
	}
	if settings.pgxTxOptions != (pgx.TxOptions{}) {
		finalConfig.PgxTxOptions = settings.pgxTxOptions
	}

	return settings, finalConfig
}
