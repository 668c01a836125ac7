// Package server owns the lifecycle of the temporary PostgreSQL server
// process. Two backends exist: native runs the locally installed binaries
// over a private Unix socket directory, embedded downloads and runs binaries
// via embedded-postgres over a loopback TCP port. Pick selects the fastest
// one available.
package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/veiloq/pgtemp/config"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"github.com/veiloq/pgtemp/pgbin"
	"go.uber.org/zap"
)

// Backend runs a PostgreSQL server for the lifetime of a TempDB instance.
type Backend interface {
	// Start brings the server up and waits until it accepts connections.
	Start(ctx context.Context) error
	// AdminDSN addresses the maintenance database on the running server.
	AdminDSN() string
	// DSN addresses a named database on the running server.
	DSN(dbName string) string
	// SocketDir returns the Unix socket directory, or "" for TCP-only
	// backends.
	SocketDir() string
	// StopFunc returns a cleanup step that stops the server process. Safe
	// to run when the server already exited.
	StopFunc() cleanup.Func
	// RemoveDataFunc returns a cleanup step that removes the temporary
	// directories. A no-op when KeepData is set or the caller supplied
	// the directory.
	RemoveDataFunc() cleanup.Func
}

// Pick chooses a backend for cfg: native when a local installation is found
// (or an explicit binaries dir is set), embedded otherwise or when forced.
func Pick(cfg config.Config, logger *zap.Logger) (Backend, error) {
	if cfg.UseEmbedded {
		logger.Info("Using embedded-postgres backend (forced)")
		return NewEmbedded(cfg, logger), nil
	}
	inst, err := pgbin.Find(cfg.BinDir)
	if err != nil {
		if cfg.BinDir != "" {
			// An explicit directory that doesn't hold binaries is a
			// configuration error, not a reason to download.
			return nil, err
		}
		logger.Info("No local PostgreSQL installation found, using embedded-postgres backend", zap.Error(err))
		return NewEmbedded(cfg, logger), nil
	}
	return NewNative(cfg, inst, logger), nil
}

// Unix socket paths are limited to ~104 bytes on the platforms we care
// about; postgres appends ".s.PGSQL.<port>" inside the directory.
const maxSocketDirLen = 103 - len("/.s.PGSQL.5432")

// instanceDirs is the on-disk layout shared by both backends: a root temp
// directory holding data/ and socket/ subdirectories (the original pg_tmp_
// layout).
type instanceDirs struct {
	root    string // temp root, removed on cleanup when owned
	dataDir string
	sockDir string
	owned   bool // whether we created root and may remove it
}

// setupDirs creates the directory layout for one instance, honoring the
// Dir and SocketDir overrides from the config.
func setupDirs(cfg config.Config) (*instanceDirs, error) {
	dirs := &instanceDirs{}

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create instance directory %q: %w", cfg.Dir, err)
		}
		dirs.root = cfg.Dir
	} else {
		root, err := os.MkdirTemp("", "pg_tmp_")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
		dirs.root = root
		dirs.owned = true
	}

	dirs.dataDir = filepath.Join(dirs.root, "data")
	if err := os.MkdirAll(dirs.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %q: %w", dirs.dataDir, err)
	}

	if cfg.SocketDir != "" {
		if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory %q: %w", cfg.SocketDir, err)
		}
		dirs.sockDir = cfg.SocketDir
	} else {
		dirs.sockDir = filepath.Join(dirs.root, "socket")
		if err := os.MkdirAll(dirs.sockDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory %q: %w", dirs.sockDir, err)
		}
	}

	if len(dirs.sockDir) > maxSocketDirLen {
		return nil, fmt.Errorf("socket directory path %q exceeds %d bytes; use a shorter Dir or SocketDir", dirs.sockDir, maxSocketDirLen)
	}

	return dirs, nil
}

// removeFunc returns a cleanup step removing the instance root. Partial or
// repeated removal is fine: a directory that is already gone is success.
func (d *instanceDirs) removeFunc(keep bool, logger *zap.Logger) cleanup.Func {
	return func() error {
		if keep {
			logger.Info("Keeping instance directory on cleanup", zap.String("path", d.root))
			return nil
		}
		if !d.owned {
			logger.Debug("Instance directory was caller-supplied, not removing", zap.String("path", d.root))
			return nil
		}
		if err := os.RemoveAll(d.root); err != nil {
			logger.Error("Error removing instance directory", zap.String("path", d.root), zap.Error(err))
			return fmt.Errorf("failed to remove instance directory %q: %w", d.root, err)
		}
		logger.Debug("Removed instance directory", zap.String("path", d.root))
		return nil
	}
}
