// Package storage persists users, profiles, device tokens and graph data in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/pinrelay/internal/profile"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

var (
	// ErrNotFound is returned when a user or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a user that already exists.
	ErrExists = errors.New("already exists")
)

// User is a registered account. The e-mail address is the user id.
type User struct {
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Store is the SQLite-backed profile store.
type Store struct {
	log zerolog.Logger
	db  *sql.DB
}

// New creates a Store on an opened database.
func New(log zerolog.Logger, db *sql.DB) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
		db:  db,
	}
}

// Open opens a SQLite database and runs migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		email         TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		created_at    DATETIME NOT NULL
	);

	-- One JSON document per user, see profile.Profile
	CREATE TABLE IF NOT EXISTS profiles (
		user_id    TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(email)
	);

	-- Device tokens, one per dashboard
	CREATE TABLE IF NOT EXISTS tokens (
		token      TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		dash_id    INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (user_id, dash_id)
	);

	CREATE TABLE IF NOT EXISTS graph_points (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id  TEXT NOT NULL,
		dash_id  INTEGER NOT NULL,
		pin_type TEXT NOT NULL,
		pin      INTEGER NOT NULL,
		ts       INTEGER NOT NULL,
		value    REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_graph_points_pin_ts ON graph_points(user_id, dash_id, pin_type, pin, ts);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ═══════════════════════════════════════════════════════════════════════════
// USERS
// ═══════════════════════════════════════════════════════════════════════════

// CreateUser stores a new user. Returns ErrExists if the e-mail is taken.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO users (email, password_hash, created_at)
		VALUES (?, ?, ?)
	`, email, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create user %s: %w", email, ErrExists)
	}
	s.log.Info().Str("user", email).Msg("user registered")
	return nil
}

// User looks up a user by e-mail.
func (s *Store) User(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT email, password_hash, created_at FROM users WHERE email = ?
	`, email).Scan(&u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// PROFILES
// ═══════════════════════════════════════════════════════════════════════════

// LoadProfile returns the stored profile, or an empty one if none was saved.
func (s *Store) LoadProfile(ctx context.Context, userID string) (*profile.Profile, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM profiles WHERE user_id = ?`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &profile.Profile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	p, err := profile.Parse([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	return p, nil
}

// SaveProfile replaces the stored profile.
func (s *Store) SaveProfile(ctx context.Context, userID string, p *profile.Profile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, userID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// Reset deletes every profile, token and graph row of a user. The account
// itself is kept.
func (s *Store) Reset(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM profiles WHERE user_id = ?`,
		`DELETE FROM tokens WHERE user_id = ?`,
		`DELETE FROM graph_points WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	s.log.Info().Str("user", userID).Msg("user data reset")
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// TOKENS
// ═══════════════════════════════════════════════════════════════════════════

// NewToken returns a fresh device token: 32 lowercase hex characters.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ResolveToken maps a device token to its user and dashboard.
func (s *Store) ResolveToken(ctx context.Context, token string) (string, int, error) {
	var userID string
	var dashID int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, dash_id FROM tokens WHERE token = ?
	`, token).Scan(&userID, &dashID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("token: %w", ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("resolve token: %w", err)
	}
	return userID, dashID, nil
}

// Token returns the token of a dashboard.
func (s *Store) Token(ctx context.Context, userID string, dashID int) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM tokens WHERE user_id = ? AND dash_id = ?
	`, userID, dashID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("token for dashboard %d: %w", dashID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get token: %w", err)
	}
	return token, nil
}

// SetToken assigns token to a dashboard, replacing any previous one.
func (s *Store) SetToken(ctx context.Context, userID string, dashID int, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ? AND dash_id = ?`, userID, dashID); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tokens (token, user_id, dash_id, created_at) VALUES (?, ?, ?, ?)
	`, token, userID, dashID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return tx.Commit()
}

// DeleteTokens removes the token of a dashboard, if any.
func (s *Store) DeleteTokens(ctx context.Context, userID string, dashID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ? AND dash_id = ?`, userID, dashID)
	if err != nil {
		return fmt.Errorf("delete tokens: %w", err)
	}
	return nil
}
