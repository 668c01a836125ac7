// Package pgbin locates a usable PostgreSQL installation on the host and
// probes its version. The search order is: an explicit directory, $PATH, then
// the well-known per-distribution installation directories.
package pgbin

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver"
)

// The binaries a native server needs. pg_ctl and pg_isready are convenience
// tools; only initdb and postgres are mandatory.
const (
	binInitDB    = "initdb"
	binPostgres  = "postgres"
	binPgCtl     = "pg_ctl"
	binPgIsReady = "pg_isready"
)

// Installation is a resolved set of PostgreSQL binaries.
type Installation struct {
	InitDB    string // absolute path to initdb
	Postgres  string // absolute path to postgres
	PgCtl     string // absolute path to pg_ctl, may be empty
	PgIsReady string // absolute path to pg_isready, may be empty

	versionOnce sync.Once
	version     *semver.Version
	versionErr  error
}

// wellKnownGlobs lists installation directories used by distributions that do
// not put the server binaries on $PATH.
var wellKnownGlobs = []string{
	"/usr/lib/postgresql/*/bin",
	"/usr/pgsql-*/bin",
	"/usr/local/opt/postgresql@*/bin",
	"/opt/homebrew/opt/postgresql@*/bin",
	"/Applications/Postgres.app/Contents/Versions/*/bin",
}

// Find resolves a PostgreSQL installation. A non-empty binDir is used
// exclusively; otherwise $PATH is consulted first and the well-known
// directories after it, newest version first.
func Find(binDir string) (*Installation, error) {
	if binDir != "" {
		inst, err := fromDir(binDir)
		if err != nil {
			return nil, fmt.Errorf("no usable PostgreSQL installation in %q: %w", binDir, err)
		}
		return inst, nil
	}

	if initdb, err := exec.LookPath(binInitDB); err == nil {
		if postgres, err := exec.LookPath(binPostgres); err == nil {
			inst := &Installation{InitDB: initdb, Postgres: postgres}
			inst.PgCtl, _ = exec.LookPath(binPgCtl)
			inst.PgIsReady, _ = exec.LookPath(binPgIsReady)
			return inst, nil
		}
	}

	for _, dir := range wellKnownDirs() {
		if inst, err := fromDir(dir); err == nil {
			return inst, nil
		}
	}

	return nil, fmt.Errorf("no PostgreSQL installation found on $PATH or in well-known directories; install PostgreSQL or set an explicit binaries directory")
}

// Available reports whether Find would succeed. Used by the backend picker
// and by tests to decide whether to skip.
func Available(binDir string) bool {
	_, err := Find(binDir)
	return err == nil
}

// fromDir resolves the binaries inside a single directory.
func fromDir(dir string) (*Installation, error) {
	lookup := func(name string) (string, error) {
		return exec.LookPath(filepath.Join(dir, name))
	}
	initdb, err := lookup(binInitDB)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binInitDB, err)
	}
	postgres, err := lookup(binPostgres)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", binPostgres, err)
	}
	inst := &Installation{InitDB: initdb, Postgres: postgres}
	inst.PgCtl, _ = lookup(binPgCtl)
	inst.PgIsReady, _ = lookup(binPgIsReady)
	return inst, nil
}

// wellKnownDirs expands the well-known globs, newest version directory first.
func wellKnownDirs() []string {
	var dirs []string
	for _, pattern := range wellKnownGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		// Newest first within one pattern, so a host with 15 and 16
		// installed picks 16.
		sort.Sort(sort.Reverse(byEmbeddedVersion(matches)))
		dirs = append(dirs, matches...)
	}
	return dirs
}

// byEmbeddedVersion orders paths like /usr/lib/postgresql/16/bin by the
// version component of their parent directory.
type byEmbeddedVersion []string

func (s byEmbeddedVersion) Len() int      { return len(s) }
func (s byEmbeddedVersion) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byEmbeddedVersion) Less(i, j int) bool {
	vi, oki := versionFromPath(s[i])
	vj, okj := versionFromPath(s[j])
	if !oki || !okj {
		return s[i] < s[j]
	}
	return vi.LessThan(vj)
}

func versionFromPath(dir string) (*semver.Version, bool) {
	component := filepath.Base(filepath.Dir(dir)) // strip trailing /bin
	if at := strings.LastIndex(component, "@"); at >= 0 {
		component = component[at+1:]
	}
	component = strings.TrimPrefix(component, "pgsql-")
	v, err := semver.NewVersion(component)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Version runs `postgres --version` once and parses the result. Typical
// outputs are "postgres (PostgreSQL) 16.4" and
// "postgres (PostgreSQL) 14.12 (Debian 14.12-1)".
func (inst *Installation) Version(ctx context.Context) (*semver.Version, error) {
	inst.versionOnce.Do(func() {
		out, err := exec.CommandContext(ctx, inst.Postgres, "--version").Output()
		if err != nil {
			inst.versionErr = fmt.Errorf("failed to run %s --version: %w", inst.Postgres, err)
			return
		}
		inst.version, inst.versionErr = ParseVersionOutput(string(out))
	})
	return inst.version, inst.versionErr
}

// ParseVersionOutput extracts the server version from `postgres --version`
// output.
func ParseVersionOutput(out string) (*semver.Version, error) {
	for _, field := range strings.Fields(out) {
		if field == "" || field[0] < '0' || field[0] > '9' {
			continue
		}
		// Trim trailing qualifiers such as "16beta1" or "14.12-1".
		trimmed := field
		for idx, r := range trimmed {
			if (r < '0' || r > '9') && r != '.' {
				trimmed = trimmed[:idx]
				break
			}
		}
		trimmed = strings.TrimSuffix(trimmed, ".")
		if trimmed == "" {
			continue
		}
		v, err := semver.NewVersion(trimmed)
		if err != nil {
			continue
		}
		return v, nil
	}
	return nil, fmt.Errorf("no version number in %q", strings.TrimSpace(out))
}

// InitDBArgs builds the initdb argument list for creating dataDir owned by
// username. Trust auth keeps local socket connections password-free, which is
// the whole point of a private socket directory.
func (inst *Installation) InitDBArgs(ctx context.Context, dataDir, username string) []string {
	args := []string{"-D", dataDir, "-U", username, "-A", "trust"}
	// --no-sync exists since 9.3; skip it on anything older or unknown.
	if v, err := inst.Version(ctx); err == nil && !v.LessThan(semver.MustParse("9.3.0")) {
		args = append(args, "--no-sync")
	}
	return args
}
