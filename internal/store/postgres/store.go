// Package postgres implements engine.Store on PostgreSQL through database/sql
// and the pgx stdlib driver. Lifecycle transactions run at SERIALIZABLE and
// lock the unit row, and the partial unique index on open loans backs the
// one-active-loan rule when two checkouts race.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"

	maxTxAttempts = 3
)

var _ engine.Store = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	reader
	db  *sql.DB
	log *zap.Logger
}

// Open connects with the pgx driver and verifies the connection.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db, log), nil
}

func New(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{reader: reader{q: db}, db: db, log: log}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithinTx runs fn in a serializable transaction. Serialization failures are
// retried with a fresh transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !isCode(err, codeSerializationFailure) {
			return err
		}
		s.log.Debug("retrying serializable transaction", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*10) * time.Millisecond):
		}
	}
	return engine.NotAvailablef("transaction kept conflicting after %d attempts: %v", maxTxAttempts, err)
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &tx{reader: reader{q: sqlTx}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// InsertNotificationLog records one delivery outcome.
func (s *Store) InsertNotificationLog(ctx context.Context, entry *models.NotificationLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return s.db.QueryRowContext(ctx, `
		INSERT INTO notification_logs (event_type, related_id, recipient, status, error_message, attempts, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		entry.EventType, entry.RelatedID, entry.Recipient, entry.Status, entry.ErrorMessage, entry.Attempts, entry.CreatedAt,
	).Scan(&entry.ID)
}

// ListNotificationLogs returns log entries newest first, optionally filtered by status.
func (s *Store) ListNotificationLogs(ctx context.Context, status models.NotificationStatus, limit, offset int) ([]models.NotificationLog, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, related_id, recipient, status, error_message, attempts, created_at,
		       COUNT(*) OVER() AS total_count
		FROM notification_logs
		WHERE $1 = '' OR status = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []models.NotificationLog{}
	total := 0
	for rows.Next() {
		var l models.NotificationLog
		if err := rows.Scan(&l.ID, &l.EventType, &l.RelatedID, &l.Recipient, &l.Status,
			&l.ErrorMessage, &l.Attempts, &l.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(out) == 0 && offset > 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM notification_logs WHERE $1 = '' OR status = $1`, string(status)).Scan(&total); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func constraintOf(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// mapWriteError turns constraint violations into engine error kinds.
func mapWriteError(err error, what string) error {
	if err == nil {
		return nil
	}
	switch {
	case isCode(err, codeUniqueViolation) && constraintOf(err) == "loans_one_open_per_unit":
		return engine.NotAvailablef("%s: unit already has an active loan", what)
	case isCode(err, codeUniqueViolation):
		return engine.Conflictf("%s: %s already exists", what, constraintOf(err))
	case isCode(err, codeForeignKeyViolation):
		return engine.NotFoundf("%s: referenced row does not exist (%s)", what, constraintOf(err))
	case isCode(err, codeCheckViolation):
		return engine.Validationf("%s: rejected by %s", what, constraintOf(err))
	}
	return fmt.Errorf("%s: %w", what, err)
}

// notFound maps sql.ErrNoRows to an engine NotFound error.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NotFoundf(format, args...)
	}
	return err
}
