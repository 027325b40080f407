package inttest

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"

	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/storage"
	"github.com/orlangure/gnomock"
	"github.com/orlangure/gnomock/preset/postgres"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupDB creates a PostgreSQL container. Gorm is connected to the DB and runs the catalog
// migrations.
func SetupDB(t *testing.T) *gorm.DB {
	t.Helper()

	container, err := gnomock.Start(
		postgres.Preset(
			postgres.WithUser("dbh", "dbh"),
			postgres.WithDatabase("test_dbh"),
		),
	)
	require.NoError(t, err, "failed to start DB")
	t.Cleanup(func() { require.NoError(t, gnomock.Stop(container), "failed to stop DB") })

	db, err := storage.NewCatalog(slog.New(slog.DiscardHandler), config.Postgresql{
		Host:         container.Host,
		Port:         container.DefaultPort(),
		Username:     "dbh",
		Password:     "dbh",
		DatabaseName: "test_dbh",
	})
	require.NoError(t, err, "failed to setup DB")
	return db
}

// PostgresBackend is a PostgreSQL server administered through its superuser, the way a configured
// postgres database instance is.
type PostgresBackend struct {
	DB     *sql.DB
	Config storage.PoolConfig
}

// SetupPostgresBackend creates a PostgreSQL container and returns a connection pool logged in as its
// superuser.
func SetupPostgresBackend(t *testing.T) *PostgresBackend {
	t.Helper()

	container, err := gnomock.Start(
		postgres.Preset(
			postgres.WithUser("postgres", "postgres"),
		),
	)
	require.NoError(t, err, "failed to start postgres backend")
	t.Cleanup(func() { require.NoError(t, gnomock.Stop(container), "failed to stop postgres backend") })

	c := storage.PoolConfig{
		Engine:   model.EnginePostgres,
		Host:     container.Host,
		Port:     container.DefaultPort(),
		Database: "postgres",
		Username: "postgres",
		Password: "postgres",
	}
	db, err := storage.NewPool(context.Background(), slog.New(slog.DiscardHandler), c)
	require.NoError(t, err, "failed to connect to postgres backend")
	t.Cleanup(func() { require.NoError(t, db.Close(), "failed to close postgres backend pool") })

	return &PostgresBackend{DB: db, Config: c}
}
