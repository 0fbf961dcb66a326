// ABOUTME: SQL implementation of CryptoStore for PostgreSQL and SQLite
// ABOUTME: Provides pooled, degraded-mode-aware persistence of crypto session state

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"
)

// Dialect names accepted by New.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Options configures a SQL-backed CryptoStore.
type Options struct {
	Dialect  string // "sqlite" or "postgres"
	DSN      string // driver-specific connection string
	PoolSize int    // max open connections; 0 means 20
	UserID   id.UserID
	DeviceID id.DeviceID
}

// SQLStore implements CryptoStore on database/sql. If the database is
// unreachable when the store is constructed, the store runs in an
// unavailable mode where reads return absent results and writes are
// no-ops, so the rest of the system keeps working without persistence.
// Transient errors on individual calls are absorbed the same way and do
// not change availability.
type SQLStore struct {
	db        *sql.DB
	dialect   string
	available bool
	accountID string
	logger    *slog.Logger
}

const connectTimeout = 5 * time.Second

// New opens the database, bounds the connection pool and creates the
// schema. It never fails: an unreachable database yields an unavailable
// store, logged once at WARN.
func New(ctx context.Context, opts Options) *SQLStore {
	logger := slog.Default().With("component", "store")

	s := &SQLStore{
		dialect:   opts.Dialect,
		accountID: string(opts.UserID) + "/" + string(opts.DeviceID),
		logger:    logger,
	}

	driver := "sqlite"
	if opts.Dialect == DialectPostgres {
		driver = "postgres"
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		logger.Warn("database unreachable, store running without persistence", "error", err)
		return s
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 20
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(2)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		logger.Warn("database unreachable, store running without persistence", "error", err)
		return s
	}

	s.db = db
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		s.db = nil
		logger.Warn("schema creation failed, store running without persistence", "error", err)
		return s
	}

	s.available = true
	logger.Info("crypto store initialized", "dialect", opts.Dialect, "pool_size", poolSize)
	return s
}

// Available reports whether the store has a working database behind it.
func (s *SQLStore) Available() bool {
	return s.available
}

// createSchema creates the tables and indexes if they don't exist.
func (s *SQLStore) createSchema(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS accounts (
			user_id      TEXT NOT NULL,
			device_id    TEXT NOT NULL,
			account_blob %[1]s NOT NULL,
			shared       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);

		CREATE TABLE IF NOT EXISTS device_keys (
			user_id       TEXT NOT NULL,
			device_id     TEXT NOT NULL,
			ed25519_key   TEXT NOT NULL,
			curve25519_key TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			trust_state   TEXT NOT NULL DEFAULT 'untrusted',
			created_at    TEXT NOT NULL,
			PRIMARY KEY (user_id, device_id)
		);

		CREATE INDEX IF NOT EXISTS idx_device_keys_user ON device_keys(user_id);

		CREATE TABLE IF NOT EXISTS inbound_group_sessions (
			room_id           TEXT NOT NULL,
			session_id        TEXT NOT NULL,
			sender_key        TEXT NOT NULL,
			session_blob      %[1]s NOT NULL,
			first_known_index INTEGER NOT NULL DEFAULT 0,
			forwarding_chain  TEXT,
			signing_keys      TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			PRIMARY KEY (room_id, session_id, sender_key)
		);

		CREATE INDEX IF NOT EXISTS idx_group_sessions_room ON inbound_group_sessions(room_id);

		CREATE TABLE IF NOT EXISTS olm_sessions (
			sender_key   TEXT NOT NULL,
			session_id   TEXT NOT NULL,
			session_blob %[1]s NOT NULL,
			created_at   TEXT NOT NULL,
			last_used_at TEXT NOT NULL,
			PRIMARY KEY (sender_key, session_id)
		);

		CREATE TABLE IF NOT EXISTS sync_tokens (
			account_id TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`, blob)

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebind converts ? placeholders to $N for the postgres driver.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// warn logs a transient failure. The call is then treated as a no-op
// (write) or an absent result (read); availability is not changed.
func (s *SQLStore) warn(op string, err error) {
	s.logger.Warn("store call failed, continuing without persistence for this call", "op", op, "error", err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(str string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, str)
	return t
}

// SaveAccount upserts the account row for (user, device).
func (s *SQLStore) SaveAccount(ctx context.Context, account *Account) error {
	if !s.available {
		return nil
	}

	now := formatTime(time.Now())
	query := s.rebind(`
		INSERT INTO accounts (user_id, device_id, account_blob, shared, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			account_blob = excluded.account_blob,
			shared = excluded.shared,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		string(account.UserID), string(account.DeviceID), account.Blob, account.Shared, now, now)
	if err != nil {
		s.warn("save account", err)
		return nil
	}

	s.logger.Debug("saved account", "user_id", account.UserID, "device_id", account.DeviceID, "size", len(account.Blob))
	return nil
}

// LoadAccount fetches the account row for (user, device).
// Returns ErrNotFound if no row exists or the store is unavailable.
func (s *SQLStore) LoadAccount(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Account, error) {
	if !s.available {
		return nil, ErrNotFound
	}

	query := s.rebind(`
		SELECT account_blob, shared, created_at, updated_at
		FROM accounts
		WHERE user_id = ? AND device_id = ?
	`)

	var account Account
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query, string(userID), string(deviceID)).Scan(
		&account.Blob, &account.Shared, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		s.warn("load account", err)
		return nil, ErrNotFound
	}

	account.UserID = userID
	account.DeviceID = deviceID
	account.CreatedAt = parseTime(createdAt)
	account.UpdatedAt = parseTime(updatedAt)
	return &account, nil
}

// SaveDeviceKey upserts one device key row, including its trust state.
func (s *SQLStore) SaveDeviceKey(ctx context.Context, key *DeviceKey) error {
	if !s.available {
		return nil
	}

	trust := key.Trust
	if trust == "" {
		trust = TrustStateUntrusted
	}

	query := s.rebind(`
		INSERT INTO device_keys (user_id, device_id, ed25519_key, curve25519_key, display_name, trust_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			ed25519_key = excluded.ed25519_key,
			curve25519_key = excluded.curve25519_key,
			display_name = excluded.display_name,
			trust_state = excluded.trust_state
	`)

	_, err := s.db.ExecContext(ctx, query,
		string(key.UserID), string(key.DeviceID), string(key.Ed25519), string(key.Curve25519),
		key.DisplayName, string(trust), formatTime(time.Now()))
	if err != nil {
		s.warn("save device key", err)
		return nil
	}

	s.logger.Debug("saved device key", "user_id", key.UserID, "device_id", key.DeviceID, "trust", trust)
	return nil
}

// LoadAllDeviceKeys fetches every device key row, grouped by user.
func (s *SQLStore) LoadAllDeviceKeys(ctx context.Context) (map[id.UserID][]*DeviceKey, error) {
	keys := make(map[id.UserID][]*DeviceKey)
	if !s.available {
		return keys, nil
	}

	query := `
		SELECT user_id, device_id, ed25519_key, curve25519_key, display_name, trust_state, created_at
		FROM device_keys
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.warn("load device keys", err)
		return keys, nil
	}
	defer rows.Close()

	for rows.Next() {
		var key DeviceKey
		var userID, deviceID, ed, curve, trust, createdAt string
		if err := rows.Scan(&userID, &deviceID, &ed, &curve, &key.DisplayName, &trust, &createdAt); err != nil {
			s.warn("scan device key", err)
			return keys, nil
		}
		key.UserID = id.UserID(userID)
		key.DeviceID = id.DeviceID(deviceID)
		key.Ed25519 = id.Ed25519(ed)
		key.Curve25519 = id.Curve25519(curve)
		key.Trust = TrustState(trust)
		key.CreatedAt = parseTime(createdAt)
		keys[key.UserID] = append(keys[key.UserID], &key)
	}
	if err := rows.Err(); err != nil {
		s.warn("iterate device keys", err)
	}
	return keys, nil
}

// SaveInboundGroupSession upserts a group session. On conflict the stored
// first_known_index is kept as the minimum of old and new, so a session
// received via two paths retains the earliest decryptable index.
func (s *SQLStore) SaveInboundGroupSession(ctx context.Context, session *InboundGroupSession) error {
	if !s.available {
		return nil
	}

	chain, err := json.Marshal(session.ForwardingChain)
	if err != nil {
		return fmt.Errorf("encoding forwarding chain: %w", err)
	}
	signing, err := json.Marshal(session.SigningKeys)
	if err != nil {
		return fmt.Errorf("encoding signing keys: %w", err)
	}

	minFn := "MIN"
	if s.dialect == DialectPostgres {
		minFn = "LEAST"
	}

	now := formatTime(time.Now())
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO inbound_group_sessions
			(room_id, session_id, sender_key, session_blob, first_known_index, forwarding_chain, signing_keys, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (room_id, session_id, sender_key) DO UPDATE SET
			session_blob = excluded.session_blob,
			first_known_index = %s(inbound_group_sessions.first_known_index, excluded.first_known_index),
			forwarding_chain = excluded.forwarding_chain,
			signing_keys = excluded.signing_keys,
			updated_at = excluded.updated_at
	`, minFn))

	_, err = s.db.ExecContext(ctx, query,
		string(session.RoomID), string(session.SessionID), string(session.SenderKey),
		session.Blob, session.FirstKnownIndex, string(chain), string(signing), now, now)
	if err != nil {
		s.warn("save group session", err)
		return nil
	}

	s.logger.Debug("saved group session",
		"room_id", session.RoomID, "session_id", session.SessionID, "first_known_index", session.FirstKnownIndex)
	return nil
}

// LoadInboundGroupSessions fetches all group sessions, optionally
// filtered by room.
func (s *SQLStore) LoadInboundGroupSessions(ctx context.Context, roomID id.RoomID) ([]*InboundGroupSession, error) {
	if !s.available {
		return nil, nil
	}

	query := `
		SELECT room_id, session_id, sender_key, session_blob, first_known_index, forwarding_chain, signing_keys, created_at, updated_at
		FROM inbound_group_sessions
	`
	var args []any
	if roomID != "" {
		query += " WHERE room_id = ?"
		args = append(args, string(roomID))
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		s.warn("load group sessions", err)
		return nil, nil
	}
	defer rows.Close()

	var sessions []*InboundGroupSession
	for rows.Next() {
		session, err := scanGroupSession(rows)
		if err != nil {
			s.warn("scan group session", err)
			return sessions, nil
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		s.warn("iterate group sessions", err)
	}
	return sessions, nil
}

// GetInboundGroupSession is a point lookup by the session's full key.
// Returns ErrNotFound if absent or the store is unavailable.
func (s *SQLStore) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, senderKey id.Curve25519) (*InboundGroupSession, error) {
	if !s.available {
		return nil, ErrNotFound
	}

	query := s.rebind(`
		SELECT room_id, session_id, sender_key, session_blob, first_known_index, forwarding_chain, signing_keys, created_at, updated_at
		FROM inbound_group_sessions
		WHERE room_id = ? AND session_id = ? AND sender_key = ?
	`)

	row := s.db.QueryRowContext(ctx, query, string(roomID), string(sessionID), string(senderKey))
	session, err := scanGroupSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		s.warn("get group session", err)
		return nil, ErrNotFound
	}
	return session, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanGroupSession(row scanner) (*InboundGroupSession, error) {
	var session InboundGroupSession
	var roomID, sessionID, senderKey, createdAt, updatedAt string
	var chain, signing sql.NullString

	err := row.Scan(&roomID, &sessionID, &senderKey, &session.Blob, &session.FirstKnownIndex,
		&chain, &signing, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	session.RoomID = id.RoomID(roomID)
	session.SessionID = id.SessionID(sessionID)
	session.SenderKey = id.Curve25519(senderKey)
	session.CreatedAt = parseTime(createdAt)
	session.UpdatedAt = parseTime(updatedAt)
	if chain.Valid && chain.String != "" {
		if err := json.Unmarshal([]byte(chain.String), &session.ForwardingChain); err != nil {
			return nil, fmt.Errorf("decoding forwarding chain: %w", err)
		}
	}
	if signing.Valid && signing.String != "" {
		if err := json.Unmarshal([]byte(signing.String), &session.SigningKeys); err != nil {
			return nil, fmt.Errorf("decoding signing keys: %w", err)
		}
	}
	return &session, nil
}

// SaveOlmSession upserts a pairwise session and bumps its last-use time.
func (s *SQLStore) SaveOlmSession(ctx context.Context, session *OlmSession) error {
	if !s.available {
		return nil
	}

	now := formatTime(time.Now())
	query := s.rebind(`
		INSERT INTO olm_sessions (sender_key, session_id, session_blob, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (sender_key, session_id) DO UPDATE SET
			session_blob = excluded.session_blob,
			last_used_at = excluded.last_used_at
	`)

	_, err := s.db.ExecContext(ctx, query,
		string(session.SenderKey), string(session.SessionID), session.Blob, now, now)
	if err != nil {
		s.warn("save olm session", err)
		return nil
	}
	return nil
}

// LoadOlmSessions fetches all pairwise sessions for a sender key, most
// recently used first.
func (s *SQLStore) LoadOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSession, error) {
	if !s.available {
		return nil, nil
	}

	query := s.rebind(`
		SELECT session_id, session_blob, created_at, last_used_at
		FROM olm_sessions
		WHERE sender_key = ?
		ORDER BY last_used_at DESC
	`)

	rows, err := s.db.QueryContext(ctx, query, string(senderKey))
	if err != nil {
		s.warn("load olm sessions", err)
		return nil, nil
	}
	defer rows.Close()

	var sessions []*OlmSession
	for rows.Next() {
		var session OlmSession
		var sessionID, createdAt, lastUsedAt string
		if err := rows.Scan(&sessionID, &session.Blob, &createdAt, &lastUsedAt); err != nil {
			s.warn("scan olm session", err)
			return sessions, nil
		}
		session.SenderKey = senderKey
		session.SessionID = id.SessionID(sessionID)
		session.CreatedAt = parseTime(createdAt)
		session.LastUsedAt = parseTime(lastUsedAt)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		s.warn("iterate olm sessions", err)
	}
	return sessions, nil
}

// LoadAllOlmSessions fetches every pairwise session across all sender
// keys, for bulk state restore.
func (s *SQLStore) LoadAllOlmSessions(ctx context.Context) ([]*OlmSession, error) {
	if !s.available {
		return nil, nil
	}

	query := `
		SELECT sender_key, session_id, session_blob, created_at, last_used_at
		FROM olm_sessions
		ORDER BY last_used_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		s.warn("load all olm sessions", err)
		return nil, nil
	}
	defer rows.Close()

	var sessions []*OlmSession
	for rows.Next() {
		var session OlmSession
		var senderKey, sessionID, createdAt, lastUsedAt string
		if err := rows.Scan(&senderKey, &sessionID, &session.Blob, &createdAt, &lastUsedAt); err != nil {
			s.warn("scan olm session", err)
			return sessions, nil
		}
		session.SenderKey = id.Curve25519(senderKey)
		session.SessionID = id.SessionID(sessionID)
		session.CreatedAt = parseTime(createdAt)
		session.LastUsedAt = parseTime(lastUsedAt)
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		s.warn("iterate olm sessions", err)
	}
	return sessions, nil
}

// SaveSyncToken overwrites the stream continuation token for this account.
func (s *SQLStore) SaveSyncToken(ctx context.Context, token string) error {
	if !s.available {
		return nil
	}

	query := s.rebind(`
		INSERT INTO sync_tokens (account_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			token = excluded.token,
			updated_at = excluded.updated_at
	`)

	_, err := s.db.ExecContext(ctx, query, s.accountID, token, formatTime(time.Now()))
	if err != nil {
		s.warn("save sync token", err)
		return nil
	}
	return nil
}

// LoadSyncToken returns the stored continuation token, or "" if none.
func (s *SQLStore) LoadSyncToken(ctx context.Context) (string, error) {
	if !s.available {
		return "", nil
	}

	query := s.rebind(`SELECT token FROM sync_tokens WHERE account_id = ?`)

	var token string
	err := s.db.QueryRowContext(ctx, query, s.accountID).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		s.warn("load sync token", err)
		return "", nil
	}
	return token, nil
}

// Stats counts rows per table, tagged with store availability.
func (s *SQLStore) Stats(ctx context.Context) Stats {
	stats := Stats{Available: s.available}
	if !s.available {
		return stats
	}

	counts := []struct {
		table string
		dest  *int
	}{
		{"accounts", &stats.Accounts},
		{"device_keys", &stats.DeviceKeys},
		{"inbound_group_sessions", &stats.GroupSessions},
		{"olm_sessions", &stats.OlmSessions},
		{"sync_tokens", &stats.SyncTokens},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dest); err != nil {
			s.warn("count "+c.table, err)
		}
	}
	return stats
}

// Close releases the connection pool. Safe to call on an unavailable store.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("closing crypto store")
	return s.db.Close()
}

var _ CryptoStore = (*SQLStore)(nil)
