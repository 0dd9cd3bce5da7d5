package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		nickname TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		createdAt REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deviceId TEXT NOT NULL,
		createdAt REAL NOT NULL,
		content TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS sessions_device_created
		ON sessions (deviceId, createdAt);
`

// ErrNotFound is returned when a device id is unknown.
var ErrNotFound = errors.New("not found")

// Store provides access to the microchat SQLite database.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

// DefaultDBPath returns the default database path.
func DefaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "microchat", "microchat.sqlite")
}

// Open opens (creating if needed) the database at path with WAL.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	return open(dsn)
}

// OpenMemory opens a private in-memory database.
func OpenMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db, watchers: make(map[chan struct{}]struct{})}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Watch returns a channel that receives a signal after every change to the
// devices table. Signals coalesce; the channel closes when ctx is done.
func (s *Store) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// AddDevice inserts a new device record.
func (s *Store) AddDevice(ctx context.Context, d Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, nickname, notes, createdAt)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.Name, d.Nickname, d.Notes, unixFromTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	s.notify()
	return nil
}

// EnsureDevice adds d unless a record with its id already exists. It
// reports whether a record was created.
func (s *Store) EnsureDevice(ctx context.Context, d Device) (bool, error) {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, name, nickname, notes, createdAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, d.ID, d.Name, d.Nickname, d.Notes, unixFromTime(d.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("ensure device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ensure device: %w", err)
	}
	if n > 0 {
		s.notify()
	}
	return n > 0, nil
}

// Device returns the device with id, or ErrNotFound.
func (s *Store) Device(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, nickname, notes, createdAt
		FROM devices
		WHERE id = ?
	`, id)

	var d Device
	var createdAt float64
	if err := row.Scan(&d.ID, &d.Name, &d.Nickname, &d.Notes, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	d.CreatedAt = timeFromUnix(createdAt)
	return &d, nil
}

// Devices returns every device, oldest first.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, nickname, notes, createdAt
		FROM devices
		ORDER BY createdAt ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var createdAt float64
		if err := rows.Scan(&d.ID, &d.Name, &d.Nickname, &d.Notes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.CreatedAt = timeFromUnix(createdAt)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateNickname sets the nickname of device id.
func (s *Store) UpdateNickname(ctx context.Context, id, nickname string) error {
	return s.updateDevice(ctx, `UPDATE devices SET nickname = ? WHERE id = ?`, nickname, id)
}

// UpdateNotes sets the notes of device id.
func (s *Store) UpdateNotes(ctx context.Context, id, notes string) error {
	return s.updateDevice(ctx, `UPDATE devices SET notes = ? WHERE id = ?`, notes, id)
}

func (s *Store) updateDevice(ctx context.Context, query, value, id string) error {
	res, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.notify()
	return nil
}

// DeleteDevice removes device id. Its sessions are kept.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	s.notify()
	return nil
}

// CreateSession inserts an empty session for deviceID and returns its id.
func (s *Store) CreateSession(ctx context.Context, deviceID string, createdAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (deviceId, createdAt, content)
		VALUES (?, ?, '')
	`, deviceID, unixFromTime(createdAt))
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("session id: %w", err)
	}
	return id, nil
}

// UpdateSessionContent replaces the content of session id.
func (s *Store) UpdateSessionContent(ctx context.Context, id int64, content string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET content = ? WHERE id = ?`, content, id); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// SessionsForDevice returns all sessions for deviceID ordered by creation
// time.
func (s *Store) SessionsForDevice(ctx context.Context, deviceID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deviceId, createdAt, content
		FROM sessions
		WHERE deviceId = ?
		ORDER BY createdAt ASC, id ASC
	`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var createdAt float64
		if err := rows.Scan(&sess.ID, &sess.DeviceID, &createdAt, &sess.Content); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt = timeFromUnix(createdAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
