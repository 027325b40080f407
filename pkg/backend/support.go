package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
)

const (
	maxEvictionAttempts = 10
	evictionPause       = time.Second
)

// Option configures a driver.
type Option func(*support)

// WithPause replaces the function used to wait between session eviction attempts.
func WithPause(pause func(ctx context.Context, d time.Duration) error) Option {
	return func(s *support) {
		s.pause = pause
	}
}

// support holds what every driver needs to run SQL against its server.
type support struct {
	db     *sql.DB
	logger *slog.Logger
	pause  func(ctx context.Context, d time.Duration) error
}

func newSupport(db *sql.DB, logger *slog.Logger, options ...Option) support {
	s := support{
		db:     db,
		logger: logger,
		pause:  sleep,
	}
	for _, option := range options {
		option(&s)
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs statements in order and stops at the first failing one. Errors don't contain the
// statement as it might contain a password.
func (s support) Execute(ctx context.Context, statements ...string) error {
	for i, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to execute statement %d of %d: %v", i+1, len(statements), err)
		}
	}
	return nil
}

// Exec runs a single statement with bind arguments.
func (s support) Exec(ctx context.Context, statement string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("failed to execute statement: %v", err)
	}
	return nil
}

// executeTolerant runs every statement even if some of them fail. Failures are logged.
func (s support) executeTolerant(ctx context.Context, statements ...string) {
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			s.logger.WarnContext(ctx, "Statement failed, continuing", "statement", statement, "error", err)
		}
	}
}

func (s support) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[strings.ToLower(column)] = values[i]
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

// evictSessions lists the sessions of a principal and kills them until none are left. It gives up
// after maxEvictionAttempts and pauses before every attempt but the first.
func (s support) evictSessions(ctx context.Context, name string, list func(ctx context.Context) ([]string, error), kill func(ctx context.Context, session string)) error {
	for attempt := 1; attempt <= maxEvictionAttempts; attempt++ {
		if attempt > 1 {
			if err := s.pause(ctx, evictionPause); err != nil {
				return err
			}
		}

		sessions, err := list(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions of %q: %v", name, err)
		}
		if len(sessions) == 0 {
			return nil
		}

		s.logger.InfoContext(ctx, "Terminating sessions", "schema", name, "attempt", attempt, "sessions", len(sessions))
		for _, session := range sessions {
			kill(ctx, session)
		}
	}

	return errdef.NewBackendTeardown("sessions of %q still active after %d attempts to terminate them", name, maxEvictionAttempts)
}
