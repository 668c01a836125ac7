package migration

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

// GooseMigrator applies SQL migrations with goose. Migrations are read from
// FS when set (typically an embed.FS), otherwise from Dir on disk.
type GooseMigrator struct {
	FS  fs.FS
	Dir string
}

// NewGooseMigrator returns a migrator reading *.sql files from dir.
func NewGooseMigrator(dir string) *GooseMigrator {
	return &GooseMigrator{Dir: dir}
}

// NewGooseFSMigrator returns a migrator reading migrations from fsys at dir,
// e.g. an embed.FS with a "migrations" directory.
func NewGooseFSMigrator(fsys fs.FS, dir string) *GooseMigrator {
	return &GooseMigrator{FS: fsys, Dir: dir}
}

// Apply runs all pending migrations. The pgx pool is adapted to *sql.DB via
// the pgx stdlib bridge, which is what goose expects.
func (m *GooseMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if m.Dir == "" {
		return fmt.Errorf("goose migrator: migration directory not set")
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Error closing stdlib bridge after migrations", zap.Error(err))
		}
	}()

	goose.SetBaseFS(m.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose migrator: failed to set dialect: %w", err)
	}

	logger.Info("Applying goose migrations", zap.String("dir", m.Dir))
	if err := goose.UpContext(ctx, db, m.Dir); err != nil {
		return fmt.Errorf("goose migrator: up failed for %q: %w", m.Dir, err)
	}
	logger.Info("Goose migrations applied", zap.String("dir", m.Dir))
	return nil
}
