// Package sqlstore implements store.Store on SQLite or PostgreSQL.
//
// Both dialects share one schema shape: a messages table ordered by an
// autoincrement seq, contacts keyed by node id, channels in join order and a
// meta table holding the schema version. Timestamps are unix nanoseconds.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rmacdonaldsmith/meshcore-go/internal/logging"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/store"
	"github.com/sirupsen/logrus"
)

// SchemaVersion is recorded in the meta table after migration
const SchemaVersion = 1

var (
	// ErrEmptyDSN is returned when no data source is configured
	ErrEmptyDSN = errors.New("database dsn cannot be empty")
)

// Config describes the database to open
type Config struct {
	// Driver is "sqlite" or "postgres"
	Driver string
	// DSN is a file path for sqlite or a connection string for postgres
	DSN    string
	Logger logrus.FieldLogger
}

// NewConfig creates a configuration for the given driver and dsn
func NewConfig(driver, dsn string) *Config {
	return &Config{Driver: driver, DSN: dsn}
}

// WithLogger sets the logger
func (c *Config) WithLogger(logger logrus.FieldLogger) *Config {
	c.Logger = logger
	return c
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DSN == "" {
		return ErrEmptyDSN
	}
	_, err := dialectFor(c.Driver)
	return err
}

// Store is a database/sql backed store.Store
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
}

// Open connects to the database, applies the schema and returns the store.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, _ := dialectFor(cfg.Driver)

	dsn := cfg.DSN
	if d.name == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		// SQLite allows one writer; a single connection serializes writes
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", d.name, err)
	}

	s := &Store{
		db:      db,
		dialect: d,
		logger:  logging.Component(cfg.Logger, "sqlstore"),
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.WithField("driver", d.name).Info("Opened message store")
	return s, nil
}

// Migrate creates any missing tables and records the schema version
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		"schema_version", strconv.Itoa(SchemaVersion))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// SchemaVersion returns the version stored in the meta table
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT value FROM meta WHERE key = ?`), "schema_version").Scan(&v)
	if err != nil {
		return 0, s.wrap("read schema version", err)
	}
	return strconv.Atoi(v)
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// wrap marks driver failures as persistence errors. Context errors pass
// through untouched so callers can tell cancellation from a broken database.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrBusy {
		s.logger.WithField("op", op).Warn("Database busy")
	}
	return store.Wrap(op, err)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

const upsertMessage = `
	INSERT INTO messages (id, ts, sender_id, sender_name, channel_id, peer_id,
		content, direction, status, failure_reason, is_dm)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		ts = excluded.ts,
		sender_id = excluded.sender_id,
		sender_name = excluded.sender_name,
		channel_id = excluded.channel_id,
		peer_id = excluded.peer_id,
		content = excluded.content,
		direction = excluded.direction,
		status = excluded.status,
		failure_reason = excluded.failure_reason,
		is_dm = excluded.is_dm`

func (s *Store) appendMessage(ctx context.Context, ex execer, msg mesh.Message) error {
	_, err := ex.ExecContext(ctx, s.dialect.rebind(upsertMessage),
		msg.ID, nanos(msg.Timestamp), msg.SenderID, msg.SenderName, msg.ChannelID, msg.PeerID,
		msg.Content, string(msg.Direction), string(msg.Status), msg.FailureReason, msg.IsDirect())
	return err
}

const upsertContact = `
	INSERT INTO contacts (node_id, name, public_key, last_seen, rssi, snr)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (node_id) DO UPDATE SET
		name = CASE WHEN excluded.name = '' THEN contacts.name ELSE excluded.name END,
		public_key = COALESCE(excluded.public_key, contacts.public_key),
		last_seen = excluded.last_seen,
		rssi = excluded.rssi,
		snr = excluded.snr`

func (s *Store) upsertContact(ctx context.Context, ex execer, c mesh.Contact) error {
	var pub interface{}
	if len(c.PublicKey) > 0 {
		pub = c.PublicKey
	}
	_, err := ex.ExecContext(ctx, s.dialect.rebind(upsertContact),
		c.NodeID, c.Name, pub, nanos(c.LastSeen), c.RSSI, c.SNR)
	return err
}

// AppendMessage records a message. An existing id is overwritten.
func (s *Store) AppendMessage(ctx context.Context, msg mesh.Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.wrap("append message", s.appendMessage(ctx, s.db, msg))
}

// UpdateMessageStatus moves a stored message to a new status
func (s *Store) UpdateMessageStatus(ctx context.Context, id string, status mesh.MessageStatus, reason string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(
		`UPDATE messages SET status = ?, failure_reason = ? WHERE id = ?`),
		string(status), reason, id)
	if err != nil {
		return s.wrap("update message status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap("update message status", err)
	}
	if n == 0 {
		return fmt.Errorf("message %s: %w", id, mesh.ErrNotFound)
	}
	return nil
}

// UpsertContact inserts or refreshes a contact
func (s *Store) UpsertContact(ctx context.Context, contact mesh.Contact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.wrap("upsert contact", s.upsertContact(ctx, s.db, contact))
}

// UpsertChannel inserts or updates a channel. The seq column keeps join order.
func (s *Store) UpsertChannel(ctx context.Context, channel mesh.Channel) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		INSERT INTO channels (id, name, kind, secret) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			secret = excluded.secret`),
		channel.ID, channel.Name, string(channel.Kind), channel.Key)
	return s.wrap("upsert channel", err)
}

// RemoveChannel deletes a channel row. Unknown ids are ignored.
func (s *Store) RemoveChannel(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM channels WHERE id = ?`), id)
	return s.wrap("remove channel", err)
}

// RecordInbound stores a received message and its contact upsert in one transaction
func (s *Store) RecordInbound(ctx context.Context, msg mesh.Message, contact *mesh.Contact) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("begin inbound transaction", err)
	}
	defer tx.Rollback()

	if contact != nil {
		if err := s.upsertContact(ctx, tx, *contact); err != nil {
			return s.wrap("upsert contact", err)
		}
	}
	if err := s.appendMessage(ctx, tx, msg); err != nil {
		return s.wrap("append message", err)
	}
	return s.wrap("commit inbound transaction", tx.Commit())
}

func targetClause(target mesh.Target) (string, string) {
	if target.ChannelID != "" {
		return "channel_id = ?", target.ChannelID
	}
	return "channel_id = '' AND peer_id = ?", target.PeerID
}

// PurgeHistory deletes every message of a conversation
func (s *Store) PurgeHistory(ctx context.Context, target mesh.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	clause, arg := targetClause(target)
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM messages WHERE `+clause), arg)
	return s.wrap("purge history", err)
}

// History returns the newest limit messages strictly before before, oldest first
func (s *Store) History(ctx context.Context, target mesh.Target, before time.Time, limit int) ([]mesh.Message, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = store.DefaultHistoryLimit
	}

	clause, arg := targetClause(target)
	args := []interface{}{arg}
	if !before.IsZero() {
		clause += " AND ts < ?"
		args = append(args, before.UnixNano())
	}
	args = append(args, limit)

	const columns = `seq, id, ts, sender_id, sender_name, channel_id, peer_id,
		content, direction, status, failure_reason`
	query := `SELECT ` + columns + ` FROM (
		SELECT ` + columns + ` FROM messages WHERE ` + clause + `
		ORDER BY ts DESC, seq DESC LIMIT ?
	) AS recent ORDER BY ts ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, s.wrap("query history", err)
	}
	defer rows.Close()

	var out []mesh.Message
	for rows.Next() {
		var (
			msg       mesh.Message
			seq, ts   int64
			direction string
			status    string
		)
		if err := rows.Scan(&seq, &msg.ID, &ts, &msg.SenderID, &msg.SenderName, &msg.ChannelID,
			&msg.PeerID, &msg.Content, &direction, &status, &msg.FailureReason); err != nil {
			return nil, s.wrap("scan message", err)
		}
		msg.Timestamp = fromNanos(ts)
		msg.Direction = mesh.Direction(direction)
		if msg.Status, err = mesh.ParseMessageStatus(status); err != nil {
			return nil, s.wrap("scan message", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("query history", err)
	}
	if out == nil {
		out = []mesh.Message{}
	}
	return out, nil
}

// ListChannels returns channels in join order
func (s *Store) ListChannels(ctx context.Context) ([]mesh.Channel, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, secret FROM channels ORDER BY seq ASC`)
	if err != nil {
		return nil, s.wrap("list channels", err)
	}
	defer rows.Close()

	out := []mesh.Channel{}
	for rows.Next() {
		var (
			ch   mesh.Channel
			kind string
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &kind, &ch.Key); err != nil {
			return nil, s.wrap("scan channel", err)
		}
		if ch.Kind, err = mesh.ParseChannelKind(kind); err != nil {
			return nil, s.wrap("scan channel", err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list channels", err)
	}
	return out, nil
}

// ListContacts returns contacts, most recently seen first
func (s *Store) ListContacts(ctx context.Context) ([]mesh.Contact, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, name, public_key, last_seen, rssi, snr FROM contacts ORDER BY last_seen DESC, node_id ASC`)
	if err != nil {
		return nil, s.wrap("list contacts", err)
	}
	defer rows.Close()

	out := []mesh.Contact{}
	for rows.Next() {
		var (
			c        mesh.Contact
			lastSeen int64
		)
		if err := rows.Scan(&c.NodeID, &c.Name, &c.PublicKey, &lastSeen, &c.RSSI, &c.SNR); err != nil {
			return nil, s.wrap("scan contact", err)
		}
		c.LastSeen = fromNanos(lastSeen)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list contacts", err)
	}
	return out, nil
}

// Close closes the database. It is idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)
