package store

import (
	"database/sql"
	"fmt"
	"time"

	apperrors "github.com/logwarden/logwarden/internal/errors"
)

// User is one account row.
type User struct {
	ID                  string
	Username            string
	Email               string
	PasswordHash        string
	Role                string
	Enabled             bool
	LastLogin           time.Time
	FailedLoginAttempts int
	LockedUntil         time.Time
	CreatedAt           time.Time
}

// CreateUser inserts an account.
func (s *Store) CreateUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, username, email, password_hash, role, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.Role, boolInt(u.Enabled), time.Now().Unix())
	if err != nil {
		return apperrors.Database("store", "create_user", err)
	}
	return nil
}

// GetUserByUsername fetches an account by login name.
func (s *Store) GetUserByUsername(username string) (User, error) {
	var u User
	var enabled int
	var lastLogin, lockedUntil sql.NullInt64
	var createdAt int64

	err := s.db.QueryRow(`
		SELECT id, username, email, password_hash, role, enabled,
		       last_login, failed_login_attempts, locked_until, created_at
		FROM users WHERE username = ?`, username).Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &enabled,
		&lastLogin, &u.FailedLoginAttempts, &lockedUntil, &createdAt)
	if err == sql.ErrNoRows {
		return u, apperrors.Database("store", "get_user", fmt.Errorf("%w: user %q", apperrors.ErrNotFound, username))
	}
	if err != nil {
		return u, apperrors.Database("store", "get_user", err)
	}
	u.Enabled = enabled != 0
	if lastLogin.Valid {
		u.LastLogin = time.Unix(lastLogin.Int64, 0)
	}
	if lockedUntil.Valid {
		u.LockedUntil = time.Unix(lockedUntil.Int64, 0)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return u, nil
}

// RecordLoginSuccess resets the failure counter and stamps last_login.
func (s *Store) RecordLoginSuccess(userID string) error {
	_, err := s.db.Exec(`
		UPDATE users
		SET last_login = ?, failed_login_attempts = 0, locked_until = NULL
		WHERE id = ?`, time.Now().Unix(), userID)
	if err != nil {
		return apperrors.Database("store", "record_login", err)
	}
	return nil
}

// RecordLoginFailure bumps the failure counter and locks the account after
// maxAttempts for lockout.
func (s *Store) RecordLoginFailure(userID string, maxAttempts int, lockout time.Duration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Database("store", "record_failure", err)
	}
	defer tx.Rollback()

	var attempts int
	if err := tx.QueryRow(`SELECT failed_login_attempts FROM users WHERE id = ?`, userID).Scan(&attempts); err != nil {
		return apperrors.Database("store", "record_failure", err)
	}
	attempts++

	var lockedUntil any
	if attempts >= maxAttempts {
		lockedUntil = time.Now().Add(lockout).Unix()
	}
	if _, err := tx.Exec(`
		UPDATE users SET failed_login_attempts = ?, locked_until = ? WHERE id = ?`,
		attempts, lockedUntil, userID); err != nil {
		return apperrors.Database("store", "record_failure", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Database("store", "record_failure", err)
	}
	return nil
}
