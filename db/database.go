// Package db manages databases and roles on a running temporary server:
// creating the requested databases, ensuring a login role for the invoking
// user, dropping databases on cleanup, and generating unique names.
package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"go.uber.org/zap"
)

// CreateDatabase connects to the maintenance database via adminDSN and
// creates dbName, owned by owner. PostgreSQL cannot run CREATE DATABASE
// inside a transaction, so this is a single statement on a short-lived
// connection.
func CreateDatabase(ctx context.Context, adminDSN, dbName, owner string, logger *zap.Logger) error {
	admin, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open admin connection: %w", err)
	}
	defer admin.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = admin.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to ping admin database: %w", err)
	}

	stmt := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
	if owner != "" {
		stmt += " OWNER " + pgx.Identifier{owner}.Sanitize()
	}
	if _, err = admin.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create database %q: %w", dbName, err)
	}

	logger.Info("Created database", zap.String("database", dbName))
	return nil
}

// EnsureRole creates a LOGIN SUPERUSER role named role on the server behind
// adminDSN. An already existing role is not an error, matching createuser's
// behavior of being safe to re-run against a shared cluster.
func EnsureRole(ctx context.Context, adminDSN, role string, logger *zap.Logger) error {
	admin, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open admin connection: %w", err)
	}
	defer admin.Close()

	stmt := fmt.Sprintf("CREATE ROLE %s LOGIN SUPERUSER", pgx.Identifier{role}.Sanitize())
	if _, err = admin.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42710" { // duplicate_object
			logger.Debug("Role already exists", zap.String("role", role))
			return nil
		}
		return fmt.Errorf("failed to create role %q: %w", role, err)
	}

	logger.Debug("Created role", zap.String("role", role))
	return nil
}

// DropDatabaseFunc returns a cleanup step that terminates remaining backends
// on dbName and drops it. With keep set the step logs and does nothing, so a
// failing test's state can be inspected afterwards.
func DropDatabaseFunc(adminDSN, dbName string, keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Keeping database on cleanup", zap.String("database", dbName))
			return nil
		}

		admin, err := sql.Open("postgres", adminDSN)
		if err != nil {
			logger.Error("Cleanup: error connecting to admin database", zap.String("database", dbName), zap.Error(err))
			return fmt.Errorf("cleanup: error connecting to admin database to drop %q: %w", dbName, err)
		}
		defer admin.Close()

		// Cleanup may run after the test's context is done; use a fresh one.
		termCtx, termCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer termCancel()
		_, termErr := admin.ExecContext(termCtx,
			`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`,
			dbName,
		)
		if termErr != nil {
			logger.Warn("Cleanup: failed to terminate connections before drop, proceeding", zap.String("database", dbName), zap.Error(termErr))
		}

		dropCtx, dropCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer dropCancel()
		stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pgx.Identifier{dbName}.Sanitize())
		if _, err := admin.ExecContext(dropCtx, stmt); err != nil {
			logger.Error("Cleanup: error dropping database", zap.String("database", dbName), zap.Error(err))
			return fmt.Errorf("cleanup: error dropping database %q: %w", dbName, err)
		}

		logger.Debug("Cleanup: dropped database", zap.String("database", dbName))
		return nil
	}
}

// GenerateUniqueName creates a unique identifier with the given prefix,
// suitable for database names and runtime directories. Lowercased and capped
// at 63 characters, the PostgreSQL identifier limit.
func GenerateUniqueName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for name: %w", err)
	}
	name := strings.ToLower(prefix + hex.EncodeToString(b))
	name = strings.ReplaceAll(name, "-", "_")
	if len(name) > 63 {
		name = name[:63]
	}
	return name, nil
}
