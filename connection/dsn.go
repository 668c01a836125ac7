package connection

import (
	"fmt"
	"net/url"
	"strings"
)

// SocketDSN builds a connection string for a server listening only on a Unix
// socket directory, e.g. "postgres:///mydb?host=/tmp/pg_tmp_x/socket&user=me".
// Both lib/pq and pgx accept a directory path in the host parameter. Extra
// params are appended in sorted order so the result is deterministic.
func SocketDSN(sockDir, username, database string, params map[string]string) string {
	q := url.Values{}
	q.Set("host", sockDir)
	q.Set("user", username)
	q.Set("sslmode", "disable")
	for k, v := range params {
		q.Set(k, v)
	}
	return fmt.Sprintf("postgres:///%s?%s", url.PathEscape(database), q.Encode())
}

// TCPDSN builds a connection string for a TCP server, used by the embedded
// backend.
func TCPDSN(host string, port uint32, username, password, database string, params map[string]string) string {
	if host == "" {
		host = "localhost"
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	for k, v := range params {
		q.Set(k, v)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(username, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// DBNameFromDSN extracts the database name from a URL-style DSN for log
// messages. Returns "unknown" when the DSN has no recognizable name.
func DBNameFromDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "unknown"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		name = u.Query().Get("dbname")
	}
	if name == "" {
		return "unknown"
	}
	return name
}
