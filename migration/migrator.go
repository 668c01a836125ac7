// Package migration defines the hook used to bring a freshly created
// temporary database to a desired schema state. Implementations exist for
// goose and Atlas; the default applies nothing.
package migration

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Migrator is applied once the kit's connection pools are established.
type Migrator interface {
	// Apply brings the database reachable through pool to the target
	// schema state. Implementations log through the provided logger and
	// respect ctx for cancellation.
	Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error
}

// NoOpMigrator applies nothing, leaving the database empty. It is the
// default when no migrator is configured.
type NoOpMigrator struct{}

// Apply implements Migrator.
func (m *NoOpMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	logger.Debug("Migration skipped (NoOpMigrator)")
	return nil
}
