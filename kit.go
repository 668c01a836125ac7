package pgtemp

import (
	"context"
	"database/sql"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kit is the user-facing handle to a temporary PostgreSQL server. It provides
// access to the connection pools, per-test database creation, transactional
// test runners, and teardown.
type Kit interface {
	// DB returns the standard library *sql.DB pool for the primary database.
	DB() *sql.DB
	// Pool returns the pgx *pgxpool.Pool for the primary database.
	Pool() *pgxpool.Pool
	// ConnectionString returns the DSN for the primary database.
	ConnectionString() string
	// SocketDir returns the server's Unix socket directory, or "" when the
	// embedded TCP backend is in use. A psql session can be opened with
	// `psql -h <dir>`.
	SocketDir() string
	// Databases lists the databases created at startup.
	Databases() []string
	// DSNFor returns a DSN addressing the named database on this server.
	DSNFor(dbName string) string
	// CreateDatabase creates an additional database on the running server
	// and registers it for removal on cleanup.
	CreateDatabase(ctx context.Context, name string) error
	// RunSQLTx executes a test function within a sql.Tx that is always
	// rolled back.
	RunSQLTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx *sql.Tx) error)
	// RunTx executes a test function within a pgx.Tx that is always rolled
	// back.
	RunTx(ctx context.Context, t *testing.T, testFn func(ctx context.Context, tx pgx.Tx) error)
	// Cleanup stops the server and removes all temporary resources. It is
	// idempotent and registered automatically via t.Cleanup when a
	// *testing.T was passed to New.
	Cleanup() error
}
