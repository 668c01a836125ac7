/*
Package pgtemp provisions an ephemeral, userland PostgreSQL server for test
suites and tears it down afterward.

It locates a local PostgreSQL installation (falling back to downloaded
binaries via embedded-postgres), initializes a fresh data directory under a
temp dir, starts the server bound to a private Unix socket directory with TCP
listening disabled, creates the requested databases, and cleans everything up
on exit: process, databases, socket, temp directory.

Per-test usage:

	func TestMyFeature(t *testing.T) {
		ctx := context.Background()
		tk, err := pgtemp.New(ctx, t, config.DefaultConfig(),
			config.WithDatabases("app"),
		)
		if err != nil {
			t.Fatalf("failed to start temporary server: %v", err)
		}
		// Cleanup runs automatically via t.Cleanup.

		tk.RunTx(ctx, t, func(ctx context.Context, tx pgx.Tx) error {
			_, err := tx.Exec(ctx, `CREATE TABLE foo (id SERIAL PRIMARY KEY)`)
			return err
		})
	}

Sharing one server across a whole package:

	func TestMain(m *testing.M) {
		os.Exit(pgtemp.RunMain(m))
	}

	func TestSomething(t *testing.T) {
		tk, _ := pgtemp.Shared(context.Background())
		// ...
	}

The server is reachable with stock tooling while it runs; the ready log line
includes the matching `psql -h <socketdir>` invocation.
*/
package pgtemp
