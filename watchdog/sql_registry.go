package watchdog

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/patchspool/errors"
)

// SQLRegistry persists registrations in the delivery_registrations and
// delivery_attempts tables, so pending hand-offs survive a restart
type SQLRegistry struct {
	db *sql.DB
}

// NewSQLRegistry wraps a migrated database
func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

const registrationColumns = `uuid, source, payload, checksum, status, retry_count,
	escalated, registered_at, next_retry_at, updated_at`

// Create implements DeliveryRegistry
func (s *SQLRegistry) Create(ctx context.Context, reg *Registration) error {
	query := `INSERT INTO delivery_registrations (` + registrationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		reg.UUID,
		reg.Source,
		reg.Payload,
		reg.Checksum,
		string(reg.Status),
		reg.RetryCount,
		reg.Escalated,
		formatTime(reg.RegisteredAt),
		nullableTime(reg.NextRetryAt),
		formatTime(reg.UpdatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.Wrapf(errors.ErrConflict, "registration %s already exists", reg.UUID)
		}
		return errors.Wrapf(err, "failed to create registration %s", reg.UUID)
	}
	return nil
}

// Get implements DeliveryRegistry
func (s *SQLRegistry) Get(ctx context.Context, uuid string) (*Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM delivery_registrations WHERE uuid = ?`

	reg, err := scanRegistration(s.db.QueryRowContext(ctx, query, uuid))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("registration %s", uuid)
		}
		return nil, errors.Wrapf(err, "failed to get registration %s", uuid)
	}

	attempts, err := s.attempts(ctx, uuid)
	if err != nil {
		return nil, err
	}
	reg.Attempts = attempts
	return reg, nil
}

// Update implements DeliveryRegistry. The row update and the attempt insert
// commit together.
func (s *SQLRegistry) Update(ctx context.Context, reg *Registration, attempt *Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_registrations
		SET status = ?, retry_count = ?, escalated = ?, next_retry_at = ?, updated_at = ?
		WHERE uuid = ?`,
		string(reg.Status),
		reg.RetryCount,
		reg.Escalated,
		nullableTime(reg.NextRetryAt),
		formatTime(reg.UpdatedAt),
		reg.UUID,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update registration %s", reg.UUID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.NewNotFoundError("registration %s", reg.UUID)
	}

	if attempt != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_attempts (registration_uuid, seq, attempted_at, status, target, error)
			VALUES (?, ?, ?, ?, ?, ?)`,
			reg.UUID,
			attempt.Seq,
			formatTime(attempt.Timestamp),
			attempt.Status,
			attempt.Target,
			attempt.Error,
		)
		if err != nil {
			return errors.Wrapf(err, "failed to record attempt %d of %s", attempt.Seq, reg.UUID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit registration update")
	}
	return nil
}

// List implements DeliveryRegistry
func (s *SQLRegistry) List(ctx context.Context, statuses ...Status) ([]*Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM delivery_registrations`
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY registered_at, uuid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list registrations")
	}
	var regs []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan registration")
		}
		regs = append(regs, reg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate registrations")
	}
	rows.Close()

	for _, reg := range regs {
		attempts, err := s.attempts(ctx, reg.UUID)
		if err != nil {
			return nil, err
		}
		reg.Attempts = attempts
	}
	return regs, nil
}

// Close implements DeliveryRegistry. The database is owned by the caller.
func (s *SQLRegistry) Close() error { return nil }

func (s *SQLRegistry) attempts(ctx context.Context, uuid string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, attempted_at, status, target, error
		FROM delivery_attempts
		WHERE registration_uuid = ?
		ORDER BY seq`, uuid)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load attempts of %s", uuid)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var at string
		if err := rows.Scan(&a.Seq, &at, &a.Status, &a.Target, &a.Error); err != nil {
			return nil, errors.Wrap(err, "failed to scan attempt")
		}
		a.Timestamp = parseTime(at)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		reg                     Registration
		status                  string
		registeredAt, updatedAt string
		nextRetryAt             sql.NullString
	)
	err := row.Scan(
		&reg.UUID,
		&reg.Source,
		&reg.Payload,
		&reg.Checksum,
		&status,
		&reg.RetryCount,
		&reg.Escalated,
		&registeredAt,
		&nextRetryAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	reg.Status = Status(status)
	reg.RegisteredAt = parseTime(registeredAt)
	reg.UpdatedAt = parseTime(updatedAt)
	if nextRetryAt.Valid {
		reg.NextRetryAt = parseTime(nextRetryAt.String)
	}
	return &reg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
