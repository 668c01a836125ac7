package pgtemp

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"go.uber.org/zap"

	"github.com/veiloq/pgtemp/config"
)

// The process-wide shared instance. Multiple test packages in one binary can
// share a single server; startup cost is paid once.
var (
	sharedMu   sync.Mutex
	sharedDB   *TempDB
	signalOnce sync.Once
)

// Shared returns the process-wide TempDB, starting it on the first call.
// Later calls return the same instance and ignore their options, matching
// the first-wins semantics of a singleton. Teardown happens via
// CleanupShared, RunMain, or the signal hook installed on first start.
func Shared(ctx context.Context, opts ...config.Option) (*TempDB, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedDB != nil {
		return sharedDB, nil
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	tk, err := New(ctx, nil, cfg, opts...)
	if err != nil {
		// Leave sharedDB nil so a later call may retry.
		return nil, err
	}
	sharedDB = tk
	installSignalHook()
	return sharedDB, nil
}

// CleanupShared tears down the shared instance if one exists. Idempotent;
// safe to call when Shared was never used.
func CleanupShared() error {
	sharedMu.Lock()
	tk := sharedDB
	sharedDB = nil
	sharedMu.Unlock()

	if tk == nil {
		return nil
	}
	return tk.Cleanup()
}

// installSignalHook arranges for the shared server to be torn down when the
// process is interrupted or terminated, the closest Go equivalent of an
// atexit hook. After cleanup the signal is re-raised with the default
// disposition so the exit status is preserved.
func installSignalHook() {
	signalOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		go func() {
			sig, ok := <-ch
			if !ok {
				return
			}
			if err := CleanupShared(); err != nil {
				fmt.Fprintf(os.Stderr, "pgtemp: cleanup on %v failed: %v\n", sig, err)
			}
			signal.Stop(ch)
			if s, isSyscallSig := sig.(syscall.Signal); isSyscallSig {
				_ = syscall.Kill(os.Getpid(), s)
			} else {
				os.Exit(1)
			}
		}()
	})
}

// RunMain is a TestMain helper: it starts the shared server, runs the test
// binary, and tears the server down, returning the exit code for os.Exit.
//
//	func TestMain(m *testing.M) {
//		os.Exit(pgtemp.RunMain(m))
//	}
func RunMain(m *testing.M, opts ...config.Option) int {
	// Ambient libpq variables would redirect connections away from the
	// temporary server.
	_ = os.Unsetenv("PGHOST")
	_ = os.Unsetenv("PGPORT")
	_ = os.Unsetenv("PGUSER")
	_ = os.Unsetenv("PGDATABASE")

	tk, err := Shared(context.Background(), opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pgtemp: failed to start shared server: %v\n", err)
		return 1
	}

	code := m.Run()

	if err := CleanupShared(); err != nil {
		tk.logger.Error("Error tearing down shared server", zap.Error(err))
		if code == 0 {
			code = 1
		}
	}
	return code
}
