package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ariga.io/atlas/sql/migrate"
	atlaspostgres "ariga.io/atlas/sql/postgres"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for the Atlas connection
	"go.uber.org/zap"
)

// AtlasMigrator applies versioned migrations with the Atlas library. The
// migration directory is discovered from an atlas.hcl file (the dir of the
// "local" env block, falling back to the first env). A missing atlas.hcl is
// not an error; Apply simply becomes a no-op.
type AtlasMigrator struct {
	hclPath string
	logger  *zap.Logger

	initOnce sync.Once
	dir      migrate.Dir
	dirPath  string
	initErr  error
}

// NewAtlasMigrator creates an AtlasMigrator reading hclPath. HCL parsing and
// directory resolution are deferred until the first Apply.
func NewAtlasMigrator(hclPath string, logger *zap.Logger) *AtlasMigrator {
	return &AtlasMigrator{
		hclPath: hclPath,
		logger:  logger.With(zap.String("migrator", "atlas")),
	}
}

// Apply executes all pending migrations against the database behind pool.
func (am *AtlasMigrator) Apply(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	am.initOnce.Do(am.init)
	if am.initErr != nil {
		return fmt.Errorf("atlas migrator initialization failed: %w", am.initErr)
	}
	if am.dir == nil {
		logger.Info("Migrations skipped: no atlas.hcl or no migration directory configured")
		return nil
	}

	dsn := pool.Config().ConnString()

	applyCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()

	stdDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database/sql connection for atlas: %w", err)
	}
	defer func() {
		if closeErr := stdDB.Close(); closeErr != nil {
			am.logger.Warn("Error closing atlas connection", zap.Error(closeErr))
		}
	}()
	if err := stdDB.PingContext(applyCtx); err != nil {
		return fmt.Errorf("failed to ping database for atlas: %w", err)
	}

	drv, err := atlaspostgres.Open(stdDB)
	if err != nil {
		return fmt.Errorf("failed to open atlas postgres driver: %w", err)
	}

	exec, err := migrate.NewExecutor(drv, am.dir, migrate.NopRevisionReadWriter{},
		migrate.WithLogger(&zapMigrateLogger{logger: am.logger}))
	if err != nil {
		return fmt.Errorf("failed to create atlas executor: %w", err)
	}

	logger.Info("Applying atlas migrations", zap.String("dir", am.dirPath))
	if err := exec.ExecuteN(applyCtx, 0); err != nil {
		if errors.Is(err, migrate.ErrNoPendingFiles) {
			logger.Info("No pending atlas migrations")
			return nil
		}
		return fmt.Errorf("failed to apply atlas migrations from %q: %w", am.dirPath, err)
	}
	logger.Info("Atlas migrations applied", zap.String("dir", am.dirPath))
	return nil
}

// init resolves atlas.hcl and the migration directory. A missing HCL file
// leaves am.dir nil without recording an error.
func (am *AtlasMigrator) init() {
	absHCL, err := filepath.Abs(am.hclPath)
	if err != nil {
		am.initErr = fmt.Errorf("failed to resolve atlas HCL path %q: %w", am.hclPath, err)
		return
	}
	if _, err := os.Stat(absHCL); err != nil {
		if os.IsNotExist(err) {
			am.logger.Info("Atlas HCL file not found, migrations disabled", zap.String("path", absHCL))
			return
		}
		am.initErr = fmt.Errorf("failed to stat atlas HCL file %q: %w", absHCL, err)
		return
	}

	var conf atlasConfigHCL
	if err := hclsimple.DecodeFile(absHCL, nil, &conf); err != nil {
		am.initErr = fmt.Errorf("failed to decode atlas HCL file %q: %w", absHCL, err)
		return
	}

	dirRel, ok := migrationDirFromHCL(&conf)
	if !ok {
		am.logger.Warn("No migration directory (env.migration.dir) in atlas config", zap.String("path", absHCL))
		return
	}

	dirRel = strings.TrimPrefix(dirRel, "file://")
	absDir, err := filepath.Abs(filepath.Join(filepath.Dir(absHCL), dirRel))
	if err != nil {
		am.initErr = fmt.Errorf("failed to resolve migration dir %q: %w", dirRel, err)
		return
	}

	dir, err := migrate.NewLocalDir(absDir)
	if err != nil {
		am.initErr = fmt.Errorf("failed to open migration dir %q: %w", absDir, err)
		return
	}

	am.dir = dir
	am.dirPath = absDir
	am.logger.Debug("Resolved atlas migration directory", zap.String("dir", absDir))
}

// migrationDirFromHCL prefers the "local" env block, falling back to the
// first env that defines a migration dir.
func migrationDirFromHCL(conf *atlasConfigHCL) (string, bool) {
	for _, env := range conf.Envs {
		if env.Name == "local" && env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	for _, env := range conf.Envs {
		if env.Migration != nil && env.Migration.Dir != "" {
			return env.Migration.Dir, true
		}
	}
	return "", false
}

type atlasConfigHCL struct {
	Envs []*atlasEnvHCL `hcl:"env,block"`
}

type atlasEnvHCL struct {
	Name      string             `hcl:"name,label"`
	Migration *atlasMigrationHCL `hcl:"migration,block"`
}

type atlasMigrationHCL struct {
	Dir string `hcl:"dir"`
}

// zapMigrateLogger adapts a *zap.Logger to the migrate.Logger interface.
type zapMigrateLogger struct {
	logger *zap.Logger
}

// Log implements migrate.Logger.
func (l *zapMigrateLogger) Log(entry migrate.LogEntry) {
	switch e := entry.(type) {
	case migrate.LogExecution:
		l.logger.Info("Atlas migration starting",
			zap.String("from_version", e.From),
			zap.String("to_version", e.To),
			zap.Int("num_files", len(e.Files)))
	case migrate.LogFile:
		l.logger.Info("Applying migration file", zap.String("file", e.File.Name()))
	case migrate.LogStmt:
		l.logger.Debug("Executing statement", zap.String("sql", e.SQL))
	case migrate.LogError:
		l.logger.Error("Atlas migration error", zap.String("sql", e.SQL), zap.Error(e.Error))
	case migrate.LogDone:
		l.logger.Info("Atlas migration finished")
	default:
		l.logger.Debug("Atlas log entry", zap.Any("entry", entry))
	}
}
