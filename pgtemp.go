package pgtemp

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/veiloq/pgtemp/config"
	"github.com/veiloq/pgtemp/connection"
	"github.com/veiloq/pgtemp/db"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"github.com/veiloq/pgtemp/internal/logger"
	"github.com/veiloq/pgtemp/server"
)

// TempDB holds a running temporary PostgreSQL server and the client handles
// to its primary database. Create instances with New (or Shared for the
// process-wide singleton).
type TempDB struct {
	cfg       config.Config
	backend   server.Backend
	databases []string
	dsn       string // primary database DSN
	database  *sql.DB
	pgxPool   *pgxpool.Pool
	logger    *zap.Logger
	cleanup   *cleanup.Manager
}

var _ Kit = (*TempDB)(nil)

// --- Accessors ---

// ConnectionString returns the DSN for the primary database.
func (tk *TempDB) ConnectionString() string {
	return tk.dsn
}

// DB returns the sql.DB pool for the primary database.
func (tk *TempDB) DB() *sql.DB {
	return tk.database
}

// Pool returns the pgx pool for the primary database.
func (tk *TempDB) Pool() *pgxpool.Pool {
	return tk.pgxPool
}

// SocketDir returns the server's Unix socket directory, or "" for the
// embedded TCP backend.
func (tk *TempDB) SocketDir() string {
	return tk.backend.SocketDir()
}

// Databases lists the databases created at startup, primary first.
func (tk *TempDB) Databases() []string {
	out := make([]string, len(tk.databases))
	copy(out, tk.databases)
	return out
}

// DSNFor returns a DSN addressing the named database on this server.
func (tk *TempDB) DSNFor(dbName string) string {
	return tk.backend.DSN(dbName)
}

// CreateDatabase creates an additional database on the running server and
// registers it for removal on cleanup.
func (tk *TempDB) CreateDatabase(ctx context.Context, name string) error {
	if err := db.CreateDatabase(ctx, tk.backend.AdminDSN(), name, tk.cfg.Username, tk.logger); err != nil {
		return err
	}
	tk.cleanup.Add(db.DropDatabaseFunc(tk.backend.AdminDSN(), name, tk.cfg.KeepData, tk.logger))
	return nil
}

// Cleanup executes all registered teardown steps in reverse order: close
// pools, drop databases, stop the server, remove the temp directory. It runs
// at most once and tolerates resources that are already gone.
func (tk *TempDB) Cleanup() error {
	return tk.cleanup.Execute()
}

// --- Transaction runners ---

// executeTestFn wraps the user's test function, converting a panic into an
// error so the deferred rollback still runs and the caller decides how to
// treat it.
func executeTestFn[T any](t *testing.T, fn func(ctx context.Context, tx T) error, ctx context.Context, tx T) (err error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("test panicked: %v", r)
		}
	}()
	return fn(ctx, tx)
}

// RunSQLTx runs the test function within a database/sql transaction on the
// primary database. The transaction is always rolled back, so tests never
// observe each other's writes.
func (tk *TempDB) RunSQLTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx *sql.Tx) error) {
	t.Helper()

	tx, err := tk.database.BeginTx(ctx, tk.cfg.SQLTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && rollbackErr != sql.ErrTxDone {
			t.Logf("Warning: failed to rollback transaction: %v", rollbackErr)
		}
	}()

	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		// The test may expect the error (rollback tests); log, don't fail.
		t.Logf("Test function returned error: %v", testErr)
	}
}

// RunTx runs the test function within a pgx transaction on the primary
// database. The transaction is always rolled back.
func (tk *TempDB) RunTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx pgx.Tx) error) {
	t.Helper()

	if tk.pgxPool == nil {
		t.Fatal("pgx pool is not initialized; ensure New completed successfully")
	}

	tx, err := tk.pgxPool.BeginTx(ctx, tk.cfg.PgxTxOptions)
	if err != nil {
		t.Fatalf("Failed to begin pgx transaction: %v", err)
	}
	defer func() {
		rollbackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rollbackErr := tx.Rollback(rollbackCtx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			t.Logf("Warning: failed to rollback pgx transaction: %v", rollbackErr)
		}
	}()

	if testErr := executeTestFn(t, testFn, ctx, tx); testErr != nil {
		t.Logf("Test function returned error: %v", testErr)
	}
}

// --- Constructor ---

// New starts a temporary PostgreSQL server, creates the configured databases
// (or one uniquely named database when none are configured), connects pools
// to the first of them, applies the configured migrator, and returns the
// ready kit.
//
// When t is non-nil, logging goes through zaptest and Cleanup is registered
// with t.Cleanup. With a nil t the caller must call Cleanup, typically via
// defer or the Shared/RunMain helpers.
func New(ctx context.Context, t *testing.T, initialConfig config.Config, opts ...config.Option) (_ *TempDB, err error) {
	if err := initialConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	settings, finalConfig := config.ApplyOptions(&initialConfig, opts...)

	// A nil *testing.T must turn into a nil interface, not a typed nil.
	var tb testing.TB
	if t != nil {
		tb = t
	}
	log, err := logger.Init(tb, finalConfig.Dir, logger.Options{
		Level:   settings.ZapTestLevel(),
		ZapOpts: settings.ZapOptions(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tk := &TempDB{
		cfg:     finalConfig,
		logger:  log,
		cleanup: cleanup.NewManager(log),
	}

	// Any failure below must release everything registered so far.
	defer func() {
		if err != nil {
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				log.Error("Error during cleanup after setup failure", zap.Error(cleanupErr))
			}
		}
	}()

	tk.backend, err = server.Pick(finalConfig, log)
	if err != nil {
		return nil, err
	}

	if err = tk.backend.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start temporary server: %w", err)
	}
	// Directory removal is registered first so it runs after the server
	// stop.
	tk.cleanup.Add(tk.backend.RemoveDataFunc())
	tk.cleanup.Add(tk.backend.StopFunc())

	adminDSN := tk.backend.AdminDSN()
	if err = db.EnsureRole(ctx, adminDSN, finalConfig.Username, log); err != nil {
		return nil, err
	}

	tk.databases = finalConfig.Databases
	if len(tk.databases) == 0 {
		var name string
		if name, err = db.GenerateUniqueName("test_"); err != nil {
			return nil, fmt.Errorf("failed to generate database name: %w", err)
		}
		tk.databases = []string{name}
	}
	for _, name := range tk.databases {
		if err = db.CreateDatabase(ctx, adminDSN, name, finalConfig.Username, log); err != nil {
			return nil, err
		}
		tk.cleanup.Add(db.DropDatabaseFunc(adminDSN, name, finalConfig.KeepData, log))
	}

	primary := tk.databases[0]
	tk.dsn = tk.backend.DSN(primary)
	tk.database, tk.pgxPool, err = connection.ConnectPools(ctx, tk.dsn, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect pools: %w", err)
	}
	tk.cleanup.Add(connection.ClosePoolFunc(&tk.pgxPool, tk.dsn, log))
	tk.cleanup.Add(connection.CloseDBFunc(&tk.database, tk.dsn, log))

	if hook := settings.AfterConnectionHook(); hook != nil {
		if err = hook(ctx, tk.database, tk.pgxPool, log); err != nil {
			return nil, fmt.Errorf("afterConnectionHook failed: %w", err)
		}
	}
	if hook := settings.BeforeMigrationHook(); hook != nil {
		if err = hook(ctx, tk.dsn, log); err != nil {
			return nil, fmt.Errorf("beforeMigrationHook failed: %w", err)
		}
	}

	if err = settings.Migrator().Apply(ctx, tk.pgxPool, log); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if t != nil {
		t.Cleanup(func() {
			if cleanupErr := tk.Cleanup(); cleanupErr != nil {
				t.Errorf("Error during automatic pgtemp cleanup: %v", cleanupErr)
			}
		})
	} else {
		log.Debug("No *testing.T provided; caller is responsible for Cleanup")
	}

	if sock := tk.SocketDir(); sock != "" {
		log.Info("Temporary server ready",
			zap.String("database", primary),
			zap.String("connect", "psql -h "+sock))
	} else {
		log.Info("Temporary server ready", zap.String("database", primary))
	}
	return tk, nil
}
