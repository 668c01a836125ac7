package pgbin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersionOutput(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want string
		ok   bool
	}{
		{"plain", "postgres (PostgreSQL) 16.4\n", "16.4.0", true},
		{"debian", "postgres (PostgreSQL) 14.12 (Debian 14.12-1.pgdg120+1)\n", "14.12.0", true},
		{"beta", "postgres (PostgreSQL) 17beta1\n", "17.0.0", true},
		{"three part", "postgres (PostgreSQL) 9.6.24\n", "9.6.24", true},
		{"garbage", "not a version string\n", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseVersionOutput(tt.out)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

// writeFakeBinary drops an executable shell stub into dir.
func writeFakeBinary(t *testing.T, dir, name, script string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
}

func TestFindExplicitDir(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "initdb", "exit 0")
	writeFakeBinary(t, dir, "postgres", `echo "postgres (PostgreSQL) 16.4"`)
	writeFakeBinary(t, dir, "pg_isready", "exit 0")

	inst, err := Find(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "initdb"), inst.InitDB)
	assert.Equal(t, filepath.Join(dir, "postgres"), inst.Postgres)
	assert.Equal(t, filepath.Join(dir, "pg_isready"), inst.PgIsReady)
	assert.Empty(t, inst.PgCtl, "pg_ctl is optional")
}

func TestFindExplicitDirMissingPostgres(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "initdb", "exit 0")

	_, err := Find(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestVersionProbe(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "initdb", "exit 0")
	writeFakeBinary(t, dir, "postgres", `echo "postgres (PostgreSQL) 15.6 (Ubuntu 15.6-1)"`)

	inst, err := Find(dir)
	require.NoError(t, err)

	v, err := inst.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15), uint64(v.Major()))

	// Probe result is cached; a second call must not re-exec.
	v2, err := inst.Version(context.Background())
	require.NoError(t, err)
	assert.Same(t, v, v2)
}

func TestInitDBArgs(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "initdb", "exit 0")
	writeFakeBinary(t, dir, "postgres", `echo "postgres (PostgreSQL) 16.4"`)

	inst, err := Find(dir)
	require.NoError(t, err)

	args := inst.InitDBArgs(context.Background(), "/tmp/data", "alice")
	assert.Equal(t, []string{"-D", "/tmp/data", "-U", "alice", "-A", "trust", "--no-sync"}, args)
}

func TestInitDBArgsOldServer(t *testing.T) {
	dir := t.TempDir()
	writeFakeBinary(t, dir, "initdb", "exit 0")
	writeFakeBinary(t, dir, "postgres", `echo "postgres (PostgreSQL) 9.2.4"`)

	inst, err := Find(dir)
	require.NoError(t, err)

	args := inst.InitDBArgs(context.Background(), "/tmp/data", "alice")
	assert.NotContains(t, args, "--no-sync")
}
