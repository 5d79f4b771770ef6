package scheduling

import (
	"context"
	"database/sql"
	"errors"
)

// DefaultBufferMinutes is the padding applied around every meeting during
// overlap detection when the organizer has no stored setting.
const DefaultBufferMinutes = 15

// SettingsSource resolves an organizer's buffer setting. Owned by an external
// profile collaborator; the engine only reads it.
type SettingsSource interface {
	BufferMinutes(ctx context.Context, organizerUserID int64) (int, error)
}

// DBSettings reads organizer_settings, falling back to the default when the
// organizer has no row.
type DBSettings struct {
	DB      *sql.DB
	Default int
}

func (s *DBSettings) BufferMinutes(ctx context.Context, organizerUserID int64) (int, error) {
	def := s.Default
	if def <= 0 {
		def = DefaultBufferMinutes
	}
	var minutes int
	err := s.DB.QueryRowContext(ctx,
		`SELECT buffer_minutes FROM organizer_settings WHERE user_id=$1`, organizerUserID).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	if minutes < 0 {
		return def, nil
	}
	return minutes, nil
}

// StaticSettings returns a fixed buffer for every organizer; used in tests and
// for callers without a profile store.
type StaticSettings int

func (s StaticSettings) BufferMinutes(context.Context, int64) (int, error) { return int(s), nil }
