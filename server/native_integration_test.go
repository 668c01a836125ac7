package server

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/pgtemp/config"
	"github.com/veiloq/pgtemp/pgbin"
)

func TestNativeStartStop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	if !pgbin.Available("") {
		t.Skip("no local PostgreSQL installation found")
	}

	cfg := config.DefaultConfig()
	inst, err := pgbin.Find("")
	require.NoError(t, err)

	n := NewNative(cfg, inst, zaptest.NewLogger(t))
	require.NoError(t, n.Start(context.Background()))

	sockDir := n.SocketDir()
	assert.DirExists(t, sockDir)

	// A real client connection over the socket works.
	admin, err := sql.Open("postgres", n.AdminDSN())
	require.NoError(t, err)
	require.NoError(t, admin.PingContext(context.Background()))
	require.NoError(t, admin.Close())

	require.NoError(t, n.StopFunc()())
	require.NoError(t, n.RemoveDataFunc()())
	assert.NoDirExists(t, sockDir)

	// Teardown tolerates being run again.
	require.NoError(t, n.StopFunc()())
	require.NoError(t, n.RemoveDataFunc()())
}

func TestEmbeddedStartStop(t *testing.T) {
	if os.Getenv("PGTEMP_TEST_EMBEDDED") == "" {
		t.Skip("set PGTEMP_TEST_EMBEDDED=1 to run the embedded backend test (downloads binaries)")
	}

	cfg := config.DefaultConfig()
	cfg.UseEmbedded = true

	e := NewEmbedded(cfg, zaptest.NewLogger(t))
	require.NoError(t, e.Start(context.Background()))

	admin, err := sql.Open("postgres", e.AdminDSN())
	require.NoError(t, err)
	require.NoError(t, admin.PingContext(context.Background()))
	require.NoError(t, admin.Close())

	require.NoError(t, e.StopFunc()())
	require.NoError(t, e.RemoveDataFunc()())
}
