// Package store owns the mutable state of connected accounts: role bindings
// persisted in sqlite, temporary credentials held in memory only, cached
// summaries, and the background refresh loop that renews credentials before
// they expire.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection.
type DB struct {
	*sql.DB
}

// User is a dashboard account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// RoleBinding is the non-secret connection metadata a user supplies in the
// connect wizard. It persists across restarts; credentials never do.
type RoleBinding struct {
	RoleArn    string `json:"roleArn"`
	AccountID  string `json:"accountId"`
	ExternalID string `json:"externalId"`
}

// Open opens the sqlite database and configures it for concurrent use.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	return &DB{DB: db}, nil
}

// Migrate creates the schema.
func (db *DB) Migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS role_bindings (
	user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	role_arn TEXT NOT NULL,
	account_id TEXT NOT NULL,
	external_id TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	expiry REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions(expiry);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// CreateUser inserts a new user.
func (db *DB) CreateUser(u User) error {
	_, err := db.Exec(
		"INSERT INTO users (id, username, password_hash) VALUES (?, ?, ?)",
		u.ID, u.Username, u.PasswordHash)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	return nil
}

// GetUserByUsername returns the user or nil when absent.
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return db.getUser("SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username)
}

// GetUserByID returns the user or nil when absent.
func (db *DB) GetUserByID(id string) (*User, error) {
	return db.getUser("SELECT id, username, password_hash, created_at FROM users WHERE id = ?", id)
}

func (db *DB) getUser(query, arg string) (*User, error) {
	var u User
	err := db.QueryRow(query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return &u, nil
}

// SaveRoleBinding upserts the binding for a user.
func (db *DB) SaveRoleBinding(userID string, b RoleBinding) error {
	_, err := db.Exec(`
INSERT INTO role_bindings (user_id, role_arn, account_id, external_id, updated_at)
VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(user_id) DO UPDATE SET
	role_arn = excluded.role_arn,
	account_id = excluded.account_id,
	external_id = excluded.external_id,
	updated_at = CURRENT_TIMESTAMP`,
		userID, b.RoleArn, b.AccountID, b.ExternalID)
	if err != nil {
		return fmt.Errorf("saving role binding: %w", err)
	}
	return nil
}

// GetRoleBinding returns the binding or nil when the user has none.
func (db *DB) GetRoleBinding(userID string) (*RoleBinding, error) {
	var b RoleBinding
	err := db.QueryRow(
		"SELECT role_arn, account_id, external_id FROM role_bindings WHERE user_id = ?",
		userID).Scan(&b.RoleArn, &b.AccountID, &b.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying role binding: %w", err)
	}
	return &b, nil
}

// DeleteRoleBinding removes a user's binding.
func (db *DB) DeleteRoleBinding(userID string) error {
	if _, err := db.Exec("DELETE FROM role_bindings WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("deleting role binding: %w", err)
	}
	return nil
}
