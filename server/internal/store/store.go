// Package store persists users, channels, connection logs, and traffic
// statistics in SQLite. The relay consults it for funk-key verification;
// the HTTP API and the CLI use it for administration.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcordes92/dfg-funk/internal/protocol"
)

// ErrUserNotFound is returned when no user matches the given key, name, or id.
var ErrUserNotFound = errors.New("user not found")

// Connection log actions.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
)

// User is a provisioned radio user. FunkKey is the shared secret the client
// presents in AUTH packets; Channels is the set it may use.
type User struct {
	ID        int64
	Username  string
	FunkKey   string
	Channels  []uint8
	Active    bool
	CreatedAt time.Time
	LastSeen  time.Time // zero if the user never connected
}

// Channel is one catalog entry of the fixed channel plan.
type Channel struct {
	ID          uint8
	Name        string
	Description string
	Public      bool
}

// ConnectionLog is one connect/disconnect event. Username and ChannelName
// are resolved at query time and empty when the referenced row is gone.
type ConnectionLog struct {
	ID          int64
	UserID      int64
	Username    string
	ChannelID   uint8
	ChannelName string
	Action      string
	IP          string
	At          time.Time
}

// TrafficWindow sums relayed bytes over one reporting window.
type TrafficWindow struct {
	BytesIn  int64
	BytesOut int64
}

// TrafficSummary reports traffic over the last 24 hours, 7 days, and 30 days.
type TrafficSummary struct {
	Day   TrafficWindow
	Week  TrafficWindow
	Month TrafficWindow
}

// Store persists server state in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database, runs migrations, and seeds the
// channel catalog and the default admin user on first run.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db, now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.seed(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA busy_timeout = 5000`,
		`PRAGMA foreign_keys = ON`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	funk_key TEXT NOT NULL UNIQUE,
	allowed_channels TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at_unix_ms INTEGER NOT NULL,
	last_seen_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS channels (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	is_public INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS connection_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
	channel_id INTEGER NOT NULL,
	action TEXT NOT NULL CHECK(action IN ('connect', 'disconnect')),
	ip_address TEXT NOT NULL,
	at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_logs_at ON connection_logs(at_unix_ms);
CREATE INDEX IF NOT EXISTS idx_connection_logs_user ON connection_logs(user_id, at_unix_ms);

CREATE TABLE IF NOT EXISTS traffic_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	bytes_in INTEGER NOT NULL CHECK(bytes_in >= 0),
	bytes_out INTEGER NOT NULL CHECK(bytes_out >= 0),
	recorded_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_traffic_stats_at ON traffic_stats(recorded_at_unix_ms);
`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// seed populates the fixed channel plan and, when no user exists yet, a
// default admin user holding every channel. The generated admin key is
// logged once; it is not recoverable afterwards.
func (s *Store) seed(ctx context.Context) error {
	var channelCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels`).Scan(&channelCount); err != nil {
		return fmt.Errorf("count channels: %w", err)
	}
	if channelCount == 0 {
		const q = `INSERT INTO channels (id, name, description, is_public) VALUES (?, ?, ?, ?)`
		for ch := protocol.FirstPublicChannel; ch <= protocol.LastPublicChannel; ch++ {
			name := fmt.Sprintf("Allgemein %d", ch-protocol.FirstPublicChannel+1)
			if _, err := s.db.ExecContext(ctx, q, ch, name, "Öffentlicher Kanal", 1); err != nil {
				return fmt.Errorf("seed channel %d: %w", ch, err)
			}
		}
		for ch := protocol.FirstRestrictedChannel; ch <= protocol.LastRestrictedChannel; ch++ {
			name := fmt.Sprintf("Kanal %d", ch)
			if _, err := s.db.ExecContext(ctx, q, ch, name, "Privater Kanal", 0); err != nil {
				return fmt.Errorf("seed channel %d: %w", ch, err)
			}
		}
		slog.Info("channel catalog seeded", "channels", len(protocol.Channels()))
	}

	var userCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&userCount); err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if userCount == 0 {
		admin, err := s.CreateUser(ctx, "admin", "", protocol.Channels())
		if err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
		slog.Info("default admin user created, store this funk key now",
			"username", admin.Username, "funk_key", admin.FunkKey)
	}
	return nil
}

// VerifyFunkKey resolves a funk key to its user. Unknown keys and inactive
// users both return ErrUserNotFound.
func (s *Store) VerifyFunkKey(ctx context.Context, key string) (User, error) {
	if key == "" {
		return User{}, ErrUserNotFound
	}

	const q = `
SELECT id, username, funk_key, allowed_channels, is_active, created_at_unix_ms, last_seen_unix_ms
FROM users
WHERE funk_key = ? AND is_active = 1
`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, key).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by funk key: %w", err)
	}
	slog.Debug("funk key verified", "user_id", u.ID, "username", u.Username)
	return u, nil
}

// CreateUser provisions a user. An empty funkKey generates a random one;
// empty channels default to the emergency channel only.
func (s *Store) CreateUser(ctx context.Context, username, funkKey string, channels []uint8) (User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return User{}, fmt.Errorf("username is required")
	}
	if funkKey == "" {
		var err error
		funkKey, err = randomKey()
		if err != nil {
			return User{}, err
		}
	}
	if len(channels) == 0 {
		channels = []uint8{protocol.EmergencyChannel}
	}

	createdAt := s.now().UTC()
	const q = `
INSERT INTO users (username, funk_key, allowed_channels, is_active, created_at_unix_ms)
VALUES (?, ?, ?, 1, ?)
`
	result, err := s.db.ExecContext(ctx, q, username, funkKey, joinChannels(channels), createdAt.UnixMilli())
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, _ := result.LastInsertId()
	slog.Debug("user created", "user_id", id, "username", username, "channels", len(channels))
	return User{
		ID:        id,
		Username:  username,
		FunkKey:   funkKey,
		Channels:  append([]uint8(nil), channels...),
		Active:    true,
		CreatedAt: createdAt,
	}, nil
}

// UserByName returns the user with the given username.
func (s *Store) UserByName(ctx context.Context, username string) (User, error) {
	const q = `
SELECT id, username, funk_key, allowed_channels, is_active, created_at_unix_ms, last_seen_unix_ms
FROM users
WHERE username = ?
`
	u, err := scanUser(s.db.QueryRowContext(ctx, q, username).Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by name: %w", err)
	}
	return u, nil
}

// Users returns all users, most recently created first.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	const q = `
SELECT id, username, funk_key, allowed_channels, is_active, created_at_unix_ms, last_seen_unix_ms
FROM users
ORDER BY created_at_unix_ms DESC, id DESC
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetUserActive enables or disables a user. Disabled users fail key
// verification until re-enabled.
func (s *Store) SetUserActive(ctx context.Context, id int64, active bool) error {
	state := 0
	if active {
		state = 1
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("update user active state: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	slog.Debug("user active state changed", "user_id", id, "active", active)
	return nil
}

// SetUserChannels replaces a user's allowed channel set.
func (s *Store) SetUserChannels(ctx context.Context, id int64, channels []uint8) error {
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	result, err := s.db.ExecContext(ctx, `UPDATE users SET allowed_channels = ? WHERE id = ?`, joinChannels(channels), id)
	if err != nil {
		return fmt.Errorf("update user channels: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	slog.Debug("user channels changed", "user_id", id, "channels", len(channels))
	return nil
}

// DeleteUser removes a user. Connection logs keep their rows with the
// user reference cleared.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	slog.Debug("user deleted", "user_id", id)
	return nil
}

// TouchLastSeen stamps a user's last-seen time with the current time.
func (s *Store) TouchLastSeen(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen_unix_ms = ? WHERE id = ?`, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// Channels returns the channel catalog ordered by id.
func (s *Store) Channels(ctx context.Context) ([]Channel, error) {
	const q = `SELECT id, name, description, is_public FROM channels ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var (
			c   Channel
			id  int64
			pub int64
		)
		if err := rows.Scan(&id, &c.Name, &c.Description, &pub); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		c.ID = uint8(id)
		c.Public = pub != 0
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// LogConnection records one connect or disconnect event.
func (s *Store) LogConnection(ctx context.Context, userID int64, channel uint8, action, ip string) error {
	if action != ActionConnect && action != ActionDisconnect {
		return fmt.Errorf("unknown connection log action %q", action)
	}
	const q = `
INSERT INTO connection_logs (user_id, channel_id, action, ip_address, at_unix_ms)
VALUES (?, ?, ?, ?, ?)
`
	if _, err := s.db.ExecContext(ctx, q, userID, channel, action, ip, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("insert connection log: %w", err)
	}
	return nil
}

// ConnectionLogs returns recent connection events, newest first. A non-empty
// username filters to that user; limit defaults to 100 when non-positive.
func (s *Store) ConnectionLogs(ctx context.Context, username string, limit int) ([]ConnectionLog, error) {
	if limit <= 0 {
		limit = 100
	}

	q := `
SELECT cl.id, COALESCE(cl.user_id, 0), COALESCE(u.username, ''), cl.channel_id,
	COALESCE(c.name, ''), cl.action, cl.ip_address, cl.at_unix_ms
FROM connection_logs cl
LEFT JOIN users u ON u.id = cl.user_id
LEFT JOIN channels c ON c.id = cl.channel_id
`
	args := []any{}
	if username != "" {
		q += `WHERE u.username = ?
`
		args = append(args, username)
	}
	q += `ORDER BY cl.at_unix_ms DESC, cl.id DESC
LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query connection logs: %w", err)
	}
	defer rows.Close()

	var logs []ConnectionLog
	for rows.Next() {
		var (
			l       ConnectionLog
			channel int64
			at      int64
		)
		if err := rows.Scan(&l.ID, &l.UserID, &l.Username, &channel, &l.ChannelName, &l.Action, &l.IP, &at); err != nil {
			return nil, fmt.Errorf("scan connection log: %w", err)
		}
		l.ChannelID = uint8(channel)
		l.At = time.UnixMilli(at).UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// RecordTraffic appends one traffic sample (bytes received from clients and
// bytes fanned out to them since the previous sample).
func (s *Store) RecordTraffic(ctx context.Context, bytesIn, bytesOut int64) error {
	if bytesIn < 0 || bytesOut < 0 {
		return fmt.Errorf("traffic byte counts must be non-negative")
	}
	const q = `INSERT INTO traffic_stats (bytes_in, bytes_out, recorded_at_unix_ms) VALUES (?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, bytesIn, bytesOut, s.now().UnixMilli()); err != nil {
		return fmt.Errorf("insert traffic sample: %w", err)
	}
	return nil
}

// TrafficSummary sums traffic samples over the last 24 hours, 7 days, and
// 30 days.
func (s *Store) TrafficSummary(ctx context.Context) (TrafficSummary, error) {
	now := s.now()
	day, err := s.trafficSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return TrafficSummary{}, err
	}
	week, err := s.trafficSince(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		return TrafficSummary{}, err
	}
	month, err := s.trafficSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		return TrafficSummary{}, err
	}
	return TrafficSummary{Day: day, Week: week, Month: month}, nil
}

func (s *Store) trafficSince(ctx context.Context, cutoff time.Time) (TrafficWindow, error) {
	const q = `
SELECT COALESCE(SUM(bytes_in), 0), COALESCE(SUM(bytes_out), 0)
FROM traffic_stats
WHERE recorded_at_unix_ms >= ?
`
	var w TrafficWindow
	if err := s.db.QueryRowContext(ctx, q, cutoff.UnixMilli()).Scan(&w.BytesIn, &w.BytesOut); err != nil {
		return TrafficWindow{}, fmt.Errorf("sum traffic window: %w", err)
	}
	return w, nil
}

// Backup writes a consistent copy of the database to dest via VACUUM INTO.
// The destination file must not exist.
func (s *Store) Backup(ctx context.Context, dest string) error {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return fmt.Errorf("backup path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	slog.Info("database backup written", "path", dest)
	return nil
}

func scanUser(scan func(dest ...any) error) (User, error) {
	var (
		u        User
		channels string
		active   int64
		created  int64
		lastSeen int64
	)
	if err := scan(&u.ID, &u.Username, &u.FunkKey, &channels, &active, &created, &lastSeen); err != nil {
		return User{}, err
	}
	u.Channels = splitChannels(channels)
	u.Active = active != 0
	u.CreatedAt = time.UnixMilli(created).UTC()
	if lastSeen > 0 {
		u.LastSeen = time.UnixMilli(lastSeen).UTC()
	}
	return u, nil
}

func joinChannels(channels []uint8) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = strconv.Itoa(int(ch))
	}
	return strings.Join(parts, ",")
}

// splitChannels parses a comma-separated channel list, skipping entries that
// do not parse or fall outside the one-byte channel space.
func splitChannels(s string) []uint8 {
	var channels []uint8
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			continue
		}
		channels = append(channels, uint8(n))
	}
	return channels
}

func randomKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate funk key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
