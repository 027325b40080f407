package backend

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

type pauseCounter struct {
	count int
}

func (p *pauseCounter) pause(_ context.Context, _ time.Duration) error {
	p.count++
	return nil
}

func ok() sql.Result {
	return sqlmock.NewResult(0, 0)
}

var discard = slog.New(slog.DiscardHandler)
