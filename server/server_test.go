package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/veiloq/pgtemp/config"
)

func TestSetupDirsDefaultLayout(t *testing.T) {
	cfg := config.DefaultConfig()
	dirs, err := setupDirs(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dirs.root) })

	assert.True(t, dirs.owned)
	assert.Equal(t, filepath.Join(dirs.root, "data"), dirs.dataDir)
	assert.Equal(t, filepath.Join(dirs.root, "socket"), dirs.sockDir)
	assert.DirExists(t, dirs.dataDir)
	assert.DirExists(t, dirs.sockDir)
	assert.True(t, strings.Contains(filepath.Base(dirs.root), "pg_tmp_"))
}

func TestSetupDirsExplicitDir(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dir = filepath.Join(t.TempDir(), "inst")

	dirs, err := setupDirs(cfg)
	require.NoError(t, err)
	assert.False(t, dirs.owned, "caller-supplied dirs are never removed")
	assert.Equal(t, cfg.Dir, dirs.root)
}

func TestSetupDirsExplicitSocketDir(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SocketDir = filepath.Join(t.TempDir(), "sock")

	dirs, err := setupDirs(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dirs.root) })
	assert.Equal(t, cfg.SocketDir, dirs.sockDir)
	assert.DirExists(t, cfg.SocketDir)
}

func TestSetupDirsSocketPathTooLong(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SocketDir = filepath.Join(t.TempDir(), strings.Repeat("s", 120))

	_, err := setupDirs(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "socket directory path")
}

func TestRemoveFuncIdempotent(t *testing.T) {
	cfg := config.DefaultConfig()
	dirs, err := setupDirs(cfg)
	require.NoError(t, err)

	remove := dirs.removeFunc(false, zaptest.NewLogger(t))
	require.NoError(t, remove())
	assert.NoDirExists(t, dirs.root)
	// Removing an already removed directory must not fail.
	require.NoError(t, remove())
}

func TestRemoveFuncKeepData(t *testing.T) {
	cfg := config.DefaultConfig()
	dirs, err := setupDirs(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dirs.root) })

	require.NoError(t, dirs.removeFunc(true, zaptest.NewLogger(t))())
	assert.DirExists(t, dirs.root)
}

func TestPickExplicitBinDirMissing(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BinDir = filepath.Join(t.TempDir(), "nope")

	_, err := Pick(cfg, zaptest.NewLogger(t))
	require.Error(t, err, "an explicit but unusable binaries dir is a config error")
}

func TestPickForcedEmbedded(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.UseEmbedded = true

	backend, err := Pick(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, ok := backend.(*Embedded)
	assert.True(t, ok)
}

func TestPickNativeWithFakeBinaries(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"initdb", "postgres"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	}
	cfg := config.DefaultConfig()
	cfg.BinDir = dir

	backend, err := Pick(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	native, ok := backend.(*Native)
	require.True(t, ok)
	assert.Empty(t, native.SocketDir(), "socket dir is assigned on Start")
}

func TestNativeDSNShape(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Username = "alice"
	n := NewNative(cfg, nil, zaptest.NewLogger(t))
	n.dirs = &instanceDirs{sockDir: "/tmp/x/socket"}

	dsn := n.DSN("mydb")
	assert.Contains(t, dsn, "mydb")
	assert.Contains(t, dsn, "user=alice")
}

func TestStopFuncNeverStarted(t *testing.T) {
	cfg := config.DefaultConfig()
	n := NewNative(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, n.StopFunc()())

	e := NewEmbedded(cfg, zaptest.NewLogger(t))
	require.NoError(t, e.StopFunc()())
	require.NoError(t, e.RemoveDataFunc()())
}
