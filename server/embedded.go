package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/veiloq/pgtemp/config"
	"github.com/veiloq/pgtemp/connection"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"go.uber.org/zap"
)

// embeddedPassword is the password given to the embedded server's superuser.
// The embedded backend only listens on loopback, and the value is carried in
// the DSNs this package hands out, so it is not a secret.
const embeddedPassword = "pgtemp"

// Embedded runs a server through embedded-postgres, which downloads and
// caches its own binaries. It is the fallback for hosts without a local
// PostgreSQL installation; unlike the native backend it listens on a
// loopback TCP port, since the upstream binaries are driven through pg_ctl
// with a fixed TCP setup.
type Embedded struct {
	cfg    config.Config
	logger *zap.Logger

	dirs     *instanceDirs
	port     uint32
	instance *embeddedpostgres.EmbeddedPostgres
}

// NewEmbedded creates an embedded backend. Nothing runs until Start.
func NewEmbedded(cfg config.Config, logger *zap.Logger) *Embedded {
	return &Embedded{cfg: cfg, logger: logger}
}

// SocketDir implements Backend. The embedded backend is TCP-only.
func (e *Embedded) SocketDir() string { return "" }

// AdminDSN implements Backend.
func (e *Embedded) AdminDSN() string {
	return e.DSN(e.cfg.AdminDatabase)
}

// DSN implements Backend.
func (e *Embedded) DSN(dbName string) string {
	return connection.TCPDSN("localhost", e.port, e.cfg.Username, embeddedPassword, dbName, e.cfg.DSNParams)
}

// Start downloads the binaries if needed and brings the server up on a free
// loopback port. embedded-postgres performs its own readiness wait bounded
// by the start timeout.
func (e *Embedded) Start(ctx context.Context) (err error) {
	if err = ctx.Err(); err != nil {
		return err
	}

	e.dirs, err = setupDirs(e.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil && e.dirs != nil && e.dirs.owned && !e.cfg.KeepData {
			_ = os.RemoveAll(e.dirs.root)
		}
	}()

	e.port = e.cfg.Port
	if e.port == 0 {
		freePort, portErr := connection.GetFreePort("")
		if portErr != nil {
			return fmt.Errorf("failed to assign port for embedded server: %w", portErr)
		}
		e.port = uint32(freePort)
	}

	epCfg := embeddedpostgres.DefaultConfig().
		Version(embeddedpostgres.PostgresVersion(e.cfg.EmbeddedVersion)).
		Port(e.port).
		Database(e.cfg.AdminDatabase).
		Username(e.cfg.Username).
		Password(embeddedPassword).
		RuntimePath(filepath.Join(e.dirs.root, "runtime")).
		DataPath(e.dirs.dataDir).
		StartTimeout(e.cfg.StartTimeout).
		StartParameters(e.cfg.StartupParams)
	if e.cfg.ServerLog != nil {
		epCfg = epCfg.Logger(e.cfg.ServerLog)
	} else {
		epCfg = epCfg.Logger(io.Discard)
	}

	e.instance = embeddedpostgres.NewDatabase(epCfg)
	e.logger.Info("Starting embedded postgres server",
		zap.Uint32("port", e.port),
		zap.String("version", e.cfg.EmbeddedVersion))

	if err = e.instance.Start(); err != nil {
		e.instance = nil
		return fmt.Errorf("failed to start embedded postgres: %w", err)
	}
	e.logger.Info("Embedded postgres server started")
	return nil
}

// StopFunc returns a cleanup step stopping the embedded server. A second run
// or a never-started server is a no-op.
func (e *Embedded) StopFunc() cleanup.Func {
	return func() error {
		instance := e.instance
		if instance == nil {
			return nil
		}
		e.instance = nil
		if err := instance.Stop(); err != nil {
			e.logger.Error("Error stopping embedded postgres server", zap.Error(err))
			return fmt.Errorf("error stopping embedded postgres: %w", err)
		}
		e.logger.Debug("Stopped embedded postgres server")
		return nil
	}
}

// RemoveDataFunc implements Backend.
func (e *Embedded) RemoveDataFunc() cleanup.Func {
	return func() error {
		if e.dirs == nil {
			return nil
		}
		return e.dirs.removeFunc(e.cfg.KeepData, e.logger)()
	}
}
