// Package scheduling implements the conflict-checked meeting engine: atomic
// booking and rescheduling under concurrent access, using row locking and
// buffered time-window overlap detection inside a single transaction.
//
// Correctness rests entirely on database transactional isolation plus
// SELECT ... FOR UPDATE NOWAIT over candidate rows, never on an in-process
// mutex, because bookings race across processes and nodes.
package scheduling

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Meeting statuses. Confirmed and pending both occupy the organizer's time;
// cancelled meetings are invisible to conflict detection.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// SQLSTATE raised when FOR UPDATE NOWAIT cannot take the row lock. A
// concurrently locked candidate row is a conflict, not a retry.
const sqlstateLockNotAvailable = "55P03"

// Meeting is a persisted booking.
type Meeting struct {
	ID              int64
	UID             string
	OrganizerUserID int64
	StartTime       time.Time
	EndTime         time.Time
	Status          string
	Title           string
	Description     string
}

// MeetingAttrs is the inbound booking request. Nil times on create fail the
// precondition; nil times on update keep the meeting's current times.
type MeetingAttrs struct {
	UID             string
	OrganizerUserID int64
	StartTime       *time.Time
	EndTime         *time.Time
	Status          string
	Title           string
	Description     string
}

// Engine executes conflict-checked meeting mutations against Postgres.
type Engine struct {
	DB       *sql.DB
	Settings SettingsSource
}

func NewEngine(dbx *sql.DB, settings SettingsSource) *Engine {
	if settings == nil {
		settings = StaticSettings(DefaultBufferMinutes)
	}
	return &Engine{DB: dbx, Settings: settings}
}

// CreateMeetingWithConflictCheck inserts a meeting if and only if its buffered
// window overlaps no confirmed/pending meeting for the same organizer.
// Returns ErrInvalidTimeRange, ErrTimeConflict, *ValidationError, or a
// wrapped ErrDatabase.
func (e *Engine) CreateMeetingWithConflictCheck(ctx context.Context, attrs MeetingAttrs) (*Meeting, error) {
	if attrs.StartTime == nil || attrs.EndTime == nil {
		return nil, ErrInvalidTimeRange
	}
	if attrs.UID == "" {
		attrs.UID = uuid.NewString()
	}
	if attrs.Status == "" {
		attrs.Status = StatusPending
	}
	if err := validateAttrs(&attrs); err != nil {
		return nil, err
	}
	return e.withConflictCheckedTx(ctx, attrs.OrganizerUserID, *attrs.StartTime, *attrs.EndTime, "",
		func(tx *sql.Tx) (*Meeting, error) {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO meetings (uid, organizer_user_id, start_time, end_time, status, title, description, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
				RETURNING id, uid, organizer_user_id, start_time, end_time, status, COALESCE(title,''), COALESCE(description,'')`,
				attrs.UID, attrs.OrganizerUserID, attrs.StartTime, attrs.EndTime, attrs.Status, attrs.Title, attrs.Description)
			return scanMeeting(row)
		})
}

// UpdateMeetingWithConflictCheck reschedules a meeting. The meeting's own row
// is excluded from the overlap scan so a meeting never conflicts with itself.
// Nil times in attrs keep the current times (non-time field update still runs
// through the same transactional path).
func (e *Engine) UpdateMeetingWithConflictCheck(ctx context.Context, meeting *Meeting, attrs MeetingAttrs) (*Meeting, error) {
	if meeting == nil || meeting.UID == "" {
		return nil, validationErr("uid", "meeting to update must be persisted")
	}
	start, end := meeting.StartTime, meeting.EndTime
	if attrs.StartTime != nil {
		start = *attrs.StartTime
	}
	if attrs.EndTime != nil {
		end = *attrs.EndTime
	}
	status := meeting.Status
	if attrs.Status != "" {
		status = attrs.Status
	}
	title := meeting.Title
	if attrs.Title != "" {
		title = attrs.Title
	}
	description := meeting.Description
	if attrs.Description != "" {
		description = attrs.Description
	}
	check := MeetingAttrs{UID: meeting.UID, OrganizerUserID: meeting.OrganizerUserID, StartTime: &start, EndTime: &end, Status: status}
	if err := validateAttrs(&check); err != nil {
		return nil, err
	}
	return e.withConflictCheckedTx(ctx, meeting.OrganizerUserID, start, end, meeting.UID,
		func(tx *sql.Tx) (*Meeting, error) {
			row := tx.QueryRowContext(ctx, `
				UPDATE meetings
				SET start_time=$1, end_time=$2, status=$3, title=$4, description=$5, updated_at=NOW()
				WHERE uid=$6
				RETURNING id, uid, organizer_user_id, start_time, end_time, status, COALESCE(title,''), COALESCE(description,'')`,
				start, end, status, title, description, meeting.UID)
			return scanMeeting(row)
		})
}

// withConflictCheckedTx runs the buffered overlap scan with row locks and, on
// zero matches, the mutation, all in one transaction. Any lock-acquisition
// failure maps to ErrTimeConflict; unexpected failures surface uniformly as
// ErrDatabase without leaking driver detail.
func (e *Engine) withConflictCheckedTx(ctx context.Context, organizerID int64, start, end time.Time, excludeUID string,
	mutate func(tx *sql.Tx) (*Meeting, error)) (*Meeting, error) {

	buffer, err := e.Settings.BufferMinutes(ctx, organizerID)
	if err != nil {
		slog.Error("buffer settings read failed", slog.Int64("organizer", organizerID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: reading organizer settings", ErrDatabase)
	}
	bufferedStart := start.Add(-time.Duration(buffer) * time.Minute)
	bufferedEnd := end.Add(time.Duration(buffer) * time.Minute)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("begin transaction failed", slog.Any("err", err))
		return nil, fmt.Errorf("%w: begin transaction", ErrDatabase)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("rollback failed", slog.Any("err", rbErr))
			}
		}
	}()

	// Row locks cannot cover rows that do not exist yet: two transactions
	// booking into an empty window would each lock nothing and both insert.
	// A per-organizer advisory lock, taken fail-fast, closes that phantom
	// race; it is released automatically at commit/rollback.
	var gotAdvisory bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, organizerID).Scan(&gotAdvisory); err != nil {
		slog.Error("advisory lock acquisition failed", slog.Int64("organizer", organizerID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: advisory lock", ErrDatabase)
	}
	if !gotAdvisory {
		slog.Warn("booking serialization contention",
			slog.Int64("organizer", organizerID),
			slog.Time("buffered_start", bufferedStart),
			slog.Time("buffered_end", bufferedEnd))
		return nil, ErrTimeConflict
	}

	count, err := lockConflictCandidates(ctx, tx, organizerID, bufferedStart, bufferedEnd, excludeUID)
	if err != nil {
		if isLockNotAvailable(err) {
			// A concurrent transaction already holds an overlapping row:
			// conservative mapping, prefer a false conflict over a double booking.
			slog.Warn("conflict check lost row lock race",
				slog.Int64("organizer", organizerID),
				slog.Time("buffered_start", bufferedStart),
				slog.Time("buffered_end", bufferedEnd))
			return nil, ErrTimeConflict
		}
		slog.Error("conflict scan failed", slog.Int64("organizer", organizerID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: conflict scan", ErrDatabase)
	}
	if count > 0 {
		slog.Warn("booking conflict",
			slog.Int64("organizer", organizerID),
			slog.Time("buffered_start", bufferedStart),
			slog.Time("buffered_end", bufferedEnd),
			slog.Int("matches", count))
		return nil, ErrTimeConflict
	}

	meeting, err := mutate(tx)
	if err != nil {
		if verr := asValidationError(err); verr != nil {
			return nil, verr
		}
		slog.Error("meeting mutation failed", slog.Int64("organizer", organizerID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: meeting write", ErrDatabase)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("commit failed", slog.Int64("organizer", organizerID), slog.Any("err", err))
		return nil, fmt.Errorf("%w: commit", ErrDatabase)
	}
	committed = true
	return meeting, nil
}

// lockConflictCandidates selects and write-locks every confirmed/pending
// meeting of the organizer strictly overlapping [bufferedStart, bufferedEnd).
// NOWAIT makes a concurrently locked row fail immediately instead of queuing.
func lockConflictCandidates(ctx context.Context, tx *sql.Tx, organizerID int64, bufferedStart, bufferedEnd time.Time, excludeUID string) (int, error) {
	q := `
		SELECT uid FROM meetings
		WHERE organizer_user_id = $1
		  AND status IN ('confirmed','pending')
		  AND start_time < $2
		  AND end_time > $3`
	args := []any{organizerID, bufferedEnd, bufferedStart}
	if excludeUID != "" {
		q += ` AND uid <> $4`
		args = append(args, excludeUID)
	}
	q += ` FOR UPDATE NOWAIT`

	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	count := 0
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return 0, err
		}
		count++
	}
	return count, rows.Err()
}

// HasTimeConflict is the advisory, non-transactional overlap predicate for UI
// pre-checks. It takes no locks and is NOT atomic with any subsequent write;
// the transactional create/update path is the sole correctness guarantee.
func (e *Engine) HasTimeConflict(ctx context.Context, organizerID int64, start, end time.Time, excludeUID string) (bool, error) {
	buffer, err := e.Settings.BufferMinutes(ctx, organizerID)
	if err != nil {
		return false, fmt.Errorf("%w: reading organizer settings", ErrDatabase)
	}
	bufferedStart := start.Add(-time.Duration(buffer) * time.Minute)
	bufferedEnd := end.Add(time.Duration(buffer) * time.Minute)

	q := `
		SELECT EXISTS (
			SELECT 1 FROM meetings
			WHERE organizer_user_id = $1
			  AND status IN ('confirmed','pending')
			  AND start_time < $2
			  AND end_time > $3`
	args := []any{organizerID, bufferedEnd, bufferedStart}
	if excludeUID != "" {
		q += ` AND uid <> $4`
		args = append(args, excludeUID)
	}
	q += `)`

	var exists bool
	if err := e.DB.QueryRowContext(ctx, q, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: conflict probe", ErrDatabase)
	}
	return exists, nil
}

// GetMeeting loads a meeting by uid; sql.ErrNoRows when absent.
func (e *Engine) GetMeeting(ctx context.Context, uid string) (*Meeting, error) {
	row := e.DB.QueryRowContext(ctx, `
		SELECT id, uid, organizer_user_id, start_time, end_time, status, COALESCE(title,''), COALESCE(description,'')
		FROM meetings WHERE uid=$1`, uid)
	return scanMeeting(row)
}

func validateAttrs(attrs *MeetingAttrs) error {
	if attrs.OrganizerUserID <= 0 {
		return validationErr("organizer_user_id", "must be positive")
	}
	if !attrs.EndTime.After(*attrs.StartTime) {
		return validationErr("end_time", "must be after start_time")
	}
	switch attrs.Status {
	case StatusPending, StatusConfirmed, StatusCancelled:
	default:
		return validationErr("status", "unknown status %q", attrs.Status)
	}
	return nil
}

func scanMeeting(row *sql.Row) (*Meeting, error) {
	var m Meeting
	err := row.Scan(&m.ID, &m.UID, &m.OrganizerUserID, &m.StartTime, &m.EndTime, &m.Status, &m.Title, &m.Description)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlstateLockNotAvailable
}

// asValidationError maps constraint violations worth showing to users
// (duplicate uid) onto the validation taxonomy; everything else stays a
// database error.
func asValidationError(err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return validationErr("uid", "a meeting with this uid already exists")
	}
	return nil
}
