package db

import (
	"context"
	"database/sql"
	"time"
)

// User is an account created on first social-provider login.
type User struct {
	ID          int64
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// FindOrCreateUser returns the user identified by (provider, subject),
// creating it on first login. Email and display name are refreshed from the
// provider profile on every call.
func FindOrCreateUser(ctx context.Context, dbx *sql.DB, provider, subject, email, displayName string) (*User, error) {
	var u User
	err := dbx.QueryRowContext(ctx, `
		INSERT INTO users (provider, subject, email, display_name)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (provider, subject) DO UPDATE SET
			email=EXCLUDED.email,
			display_name=EXCLUDED.display_name
		RETURNING id, provider, subject, COALESCE(email,''), COALESCE(display_name,'')`,
		provider, subject, nullIfEmpty(email), nullIfEmpty(displayName)).
		Scan(&u.ID, &u.Provider, &u.Subject, &u.Email, &u.DisplayName)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateSession stores an opaque session token with a TTL. Cookie handling is
// the web layer's concern; this core only issues and validates tokens.
func CreateSession(ctx context.Context, dbx *sql.DB, token string, userID int64, ttl time.Duration) error {
	_, err := dbx.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ($1,$2,$3)`,
		token, userID, time.Now().Add(ttl))
	return err
}

// SessionUser resolves a session token to its user id; sql.ErrNoRows when the
// token is unknown or expired.
func SessionUser(ctx context.Context, dbx *sql.DB, token string) (int64, error) {
	var userID int64
	err := dbx.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE token=$1 AND expires_at > NOW()`, token).Scan(&userID)
	return userID, err
}

// PurgeExpiredSessions deletes expired rows; called opportunistically by the
// background refresher loop.
func PurgeExpiredSessions(ctx context.Context, dbx *sql.DB) (int64, error) {
	res, err := dbx.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
