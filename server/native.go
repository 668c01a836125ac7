package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/veiloq/pgtemp/config"
	"github.com/veiloq/pgtemp/connection"
	"github.com/veiloq/pgtemp/internal/cleanup"
	"github.com/veiloq/pgtemp/pgbin"
	"go.uber.org/zap"

	_ "github.com/lib/pq" // "postgres" driver for the readiness ping
)

// Native runs the locally installed PostgreSQL binaries: initdb into a fresh
// data directory, then a postgres process bound to a private Unix socket
// directory with TCP listening disabled.
type Native struct {
	cfg    config.Config
	inst   *pgbin.Installation
	logger *zap.Logger

	dirs *instanceDirs
	cmd  *exec.Cmd
	cred *syscall.Credential // non-nil when dropping from root to postgres
}

// NewNative creates a native backend around a resolved installation. Nothing
// runs until Start.
func NewNative(cfg config.Config, inst *pgbin.Installation, logger *zap.Logger) *Native {
	return &Native{cfg: cfg, inst: inst, logger: logger}
}

// SocketDir returns the Unix socket directory. Empty until Start succeeds.
func (n *Native) SocketDir() string {
	if n.dirs == nil {
		return ""
	}
	return n.dirs.sockDir
}

// AdminDSN implements Backend.
func (n *Native) AdminDSN() string {
	return n.DSN(n.cfg.AdminDatabase)
}

// DSN implements Backend.
func (n *Native) DSN(dbName string) string {
	return connection.SocketDSN(n.SocketDir(), n.cfg.Username, dbName, n.cfg.DSNParams)
}

// Start initializes the data directory, launches postgres, and waits for it
// to accept connections over the socket.
func (n *Native) Start(ctx context.Context) (err error) {
	startCtx, cancel := context.WithTimeout(ctx, n.cfg.StartTimeout)
	defer cancel()

	n.dirs, err = setupDirs(n.cfg)
	if err != nil {
		return err
	}
	defer func() {
		// A half-started instance must not leak its temp directory.
		if err != nil && n.dirs != nil && n.dirs.owned && !n.cfg.KeepData {
			_ = os.RemoveAll(n.dirs.root)
		}
	}()

	if err = n.resolveCredential(); err != nil {
		return err
	}

	version, verr := n.inst.Version(startCtx)
	if verr != nil {
		n.logger.Warn("Could not probe server version, proceeding with conservative arguments", zap.Error(verr))
	} else {
		n.logger.Info("Starting temporary PostgreSQL server",
			zap.String("version", version.String()),
			zap.String("socket_dir", n.dirs.sockDir))
	}

	if err = n.runInitDB(startCtx); err != nil {
		return err
	}
	if err = n.launchPostgres(startCtx); err != nil {
		return err
	}
	if err = n.waitReady(startCtx); err != nil {
		// The process is up but unreachable; stop it before bailing.
		_ = n.StopFunc()()
		return err
	}
	return nil
}

// resolveCredential handles running as root: the postgres server refuses to
// run with uid 0, so the child processes run as the postgres OS account, as
// the directories are handed over to it.
func (n *Native) resolveCredential() error {
	if os.Geteuid() != 0 {
		return nil
	}
	pgUser, err := user.Lookup("postgres")
	if err != nil {
		return fmt.Errorf("cannot create a database server as root and no postgres account exists: %w", err)
	}
	uid, err := strconv.Atoi(pgUser.Uid)
	if err != nil {
		return fmt.Errorf("unparsable uid for postgres account: %w", err)
	}
	gid, err := strconv.Atoi(pgUser.Gid)
	if err != nil {
		return fmt.Errorf("unparsable gid for postgres account: %w", err)
	}
	for _, dir := range []string{n.dirs.root, n.dirs.dataDir, n.dirs.sockDir} {
		if err := os.Chown(dir, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %q to postgres: %w", dir, err)
		}
	}
	n.cred = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	n.logger.Info("Running as root, dropping server processes to postgres account", zap.Int("uid", uid))
	return nil
}

// runInitDB creates the cluster in the data directory.
func (n *Native) runInitDB(ctx context.Context) error {
	args := n.inst.InitDBArgs(ctx, n.dirs.dataDir, n.cfg.Username)
	n.logger.Debug("Running initdb", zap.Strings("args", args))

	initdb := exec.CommandContext(ctx, n.inst.InitDB, args...)
	// Leaving Stdout/Stderr nil discards the output.
	if n.cfg.ServerLog != nil {
		initdb.Stdout = n.cfg.ServerLog
		initdb.Stderr = n.cfg.ServerLog
	}
	if n.cred != nil {
		initdb.SysProcAttr = &syscall.SysProcAttr{Credential: n.cred}
	}
	if err := initdb.Run(); err != nil {
		return fmt.Errorf("initdb failed: %w", err)
	}
	return nil
}

// launchPostgres starts the server process in its own session so the whole
// process group can be signalled on teardown.
func (n *Native) launchPostgres(ctx context.Context) error {
	args := []string{
		"-D", n.dirs.dataDir,
		"-k", n.dirs.sockDir,
		"-c", "listen_addresses=",
	}
	for _, k := range sortedKeys(n.cfg.StartupParams) {
		args = append(args, "-c", fmt.Sprintf("%s=%s", k, n.cfg.StartupParams[k]))
	}
	n.logger.Debug("Starting postgres", zap.Strings("args", args))

	// Deliberately not CommandContext: the server must outlive the start
	// context and is stopped explicitly via StopFunc.
	cmd := exec.Command(n.inst.Postgres, args...)
	if n.cfg.ServerLog != nil {
		cmd.Stdout = n.cfg.ServerLog
		cmd.Stderr = n.cfg.ServerLog
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Credential: n.cred}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start postgres: %w", err)
	}
	n.cmd = cmd
	return nil
}

// waitReady polls the maintenance database over the socket until a
// connection succeeds, at the configured attempt count and interval.
func (n *Native) waitReady(ctx context.Context) error {
	adminDSN := n.AdminDSN()
	admin, err := sql.Open("postgres", adminDSN)
	if err != nil {
		return fmt.Errorf("failed to open readiness connection: %w", err)
	}
	defer admin.Close()

	backoff := retry.WithMaxRetries(n.cfg.RetryAttempts-1, retry.NewConstant(n.cfg.RetryInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if pingErr := admin.PingContext(pingCtx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("server did not become ready on %s: %w", n.dirs.sockDir, err)
	}
	n.logger.Info("Server is ready", zap.String("socket_dir", n.dirs.sockDir))
	return nil
}

// StopFunc returns a cleanup step sending SIGTERM to the server's process
// group, escalating to SIGKILL after a grace period. An already dead process
// is not an error.
func (n *Native) StopFunc() cleanup.Func {
	return func() error {
		cmd := n.cmd
		if cmd == nil || cmd.Process == nil {
			return nil
		}
		n.cmd = nil

		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err != nil {
			// Already reaped.
			n.logger.Debug("Server process already gone", zap.Error(err))
			return nil
		}

		killTimer := time.AfterFunc(10*time.Second, func() {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		})
		defer killTimer.Stop()

		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			n.logger.Warn("Failed to signal server process group", zap.Error(err))
		}
		if err := cmd.Wait(); err != nil {
			// A signal-terminated server reports a non-zero exit; that
			// is the expected outcome here, not a failure.
			n.logger.Debug("Server exited", zap.Error(err))
		}
		n.logger.Debug("Stopped postgres server")
		return nil
	}
}

// RemoveDataFunc implements Backend.
func (n *Native) RemoveDataFunc() cleanup.Func {
	return func() error {
		if n.dirs == nil {
			return nil
		}
		return n.dirs.removeFunc(n.cfg.KeepData, n.logger)()
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
