package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	slogGorm "github.com/orandin/slog-gorm"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewCatalog connects to the PostgreSQL database holding the catalog of one instance and migrates
// it. A database which can't be reached results in an unreachable error.
func NewCatalog(logger *slog.Logger, c config.Postgresql) (*gorm.DB, error) {
	dsn := postgresDSN(c.Host, c.Port, c.Username, c.Password, c.DatabaseName)

	databaseConfig := gorm.Config{
		Logger:         slogGorm.New(slogGorm.WithHandler(logger.Handler())),
		TranslateError: true,
	}

	db, err := gorm.Open(postgres.Open(dsn), &databaseConfig)
	if err != nil {
		return nil, errdef.NewUnreachable("failed to connect to catalog %q on %s:%d: %v", c.DatabaseName, c.Host, c.Port, err)
	}

	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		return nil, fmt.Errorf("failed to instrument catalog: %v", err)
	}

	if err := MigrateCatalog(db); err != nil {
		return nil, err
	}

	return db, nil
}

// MigrateCatalog applies pending catalog changes. It is safe to run on every start.
func MigrateCatalog(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.SchemaData{},
		&model.Credential{},
		&model.Label{},
		&model.ExternalSchema{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate catalog: %v", err)
	}
	return nil
}

func postgresDSN(host string, port int, username, password, database string) string {
	sslMode := "disable"
	if strings.Contains(host, "azure") {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s", host, username, password, database, port, sslMode)
}
