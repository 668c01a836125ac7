// Package connection dials and tears down the client-side handles to a
// temporary server: a database/sql pool (lib/pq) and a pgx pool, plus the
// DSN construction for socket and TCP endpoints.
package connection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // "postgres" driver for database/sql
)

// ConnectPools establishes a database/sql pool and a pgxpool.Pool to the
// database addressed by dsn, pinging both. On any failure the handles opened
// so far are closed before returning.
func ConnectPools(ctx context.Context, dsn string, logger *zap.Logger) (*sql.DB, *pgxpool.Pool, error) {
	dbName := DBNameFromDSN(dsn)

	logger.Debug("Connecting to database (sql.DB)", zap.String("database", dbName))
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open connection to database %q: %w", dbName, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database %q (sql.DB): %w", dbName, err)
	}

	logger.Debug("Creating pgx connection pool", zap.String("database", dbName))
	pgxConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to parse DSN for pgx pool: %w", err)
	}

	poolCtx, poolCancel := context.WithTimeout(ctx, 10*time.Second)
	defer poolCancel()
	pool, err := pgxpool.NewWithConfig(poolCtx, pgxConfig)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create pgx connection pool: %w", err)
	}

	pingPoolCtx, pingPoolCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingPoolCancel()
	if err = pool.Ping(pingPoolCtx); err != nil {
		pool.Close()
		db.Close()
		return nil, nil, fmt.Errorf("failed to ping database %q (pgx pool): %w", dbName, err)
	}

	logger.Debug("Connected", zap.String("database", dbName))
	return db, pool, nil
}

// CloseDBFunc returns a cleanup step closing the sql.DB pool. The
// pointer-to-pointer lets the step nil out the caller's variable so a second
// run is a no-op.
func CloseDBFunc(dbPtr **sql.DB, dsn string, logger *zap.Logger) cleanup.Func {
	return func() error {
		db := *dbPtr
		if db == nil {
			return nil
		}
		dbName := DBNameFromDSN(dsn)
		if err := db.Close(); err != nil {
			logger.Error("Error closing sql.DB connection", zap.String("database", dbName), zap.Error(err))
			return fmt.Errorf("error closing sql.DB connection (%s): %w", dbName, err)
		}
		logger.Debug("Closed sql.DB connection", zap.String("database", dbName))
		*dbPtr = nil
		return nil
	}
}

// ClosePoolFunc returns a cleanup step closing the pgx pool.
// pgxpool.Pool.Close does not return an error.
func ClosePoolFunc(poolPtr **pgxpool.Pool, dsn string, logger *zap.Logger) cleanup.Func {
	return func() error {
		pool := *poolPtr
		if pool == nil {
			return nil
		}
		pool.Close()
		logger.Debug("Closed pgx pool", zap.String("database", DBNameFromDSN(dsn)))
		*poolPtr = nil
		return nil
	}
}
