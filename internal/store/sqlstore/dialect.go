package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name       string
	driverName string
	numbered   bool // $1 placeholders instead of ?
	schema     []string
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	driverName: "sqlite3",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			ts INTEGER NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			channel_id TEXT NOT NULL DEFAULT '',
			peer_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			direction TEXT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			is_dm INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_id, ts)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			node_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			public_key BLOB,
			last_seen INTEGER NOT NULL DEFAULT 0,
			rssi INTEGER NOT NULL DEFAULT 0,
			snr REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			secret BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	driverName: "postgres",
	numbered:   true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			ts BIGINT NOT NULL,
			sender_id VARCHAR(64) NOT NULL DEFAULT '',
			sender_name VARCHAR(255) NOT NULL DEFAULT '',
			channel_id VARCHAR(64) NOT NULL DEFAULT '',
			peer_id VARCHAR(64) NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			direction VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			failure_reason VARCHAR(64) NOT NULL DEFAULT '',
			is_dm BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer_id, ts)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			node_id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			public_key BYTEA,
			last_seen BIGINT NOT NULL DEFAULT 0,
			rssi INTEGER NOT NULL DEFAULT 0,
			snr DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			seq BIGSERIAL PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			secret BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	},
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite3":
		return sqliteDialect, nil
	case DriverPostgres, "pq":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind rewrites ? placeholders into the dialect's form
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteDSN turns a file path into a DSN with WAL and a busy timeout
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}
