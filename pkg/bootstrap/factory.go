package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/backend"
	"github.com/dhis2-sre/dbh-manager/pkg/catalog"
	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"github.com/dhis2-sre/dbh-manager/pkg/integration"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
	"github.com/dhis2-sre/dbh-manager/pkg/storage"
	"github.com/dhis2-sre/dbh-manager/pkg/usage"
	"gorm.io/gorm"
)

type FactoryOption func(*Factory)

// WithEventPublisher registers publisher as hook on every instance.
func WithEventPublisher(publisher *integration.EventPublisher) FactoryOption {
	return func(f *Factory) {
		f.publisher = publisher
	}
}

func NewFactory(logger *slog.Logger, hotel config.DatabaseHotel, options ...FactoryOption) *Factory {
	f := &Factory{logger: logger, hotel: hotel}
	for _, option := range options {
		option(f)
	}
	return f
}

// Factory connects to a configured database, migrates its catalog and builds the instance managing
// it.
type Factory struct {
	logger    *slog.Logger
	hotel     config.DatabaseHotel
	publisher *integration.EventPublisher
}

func (f *Factory) Create(ctx context.Context, database config.Database) (Registration, error) {
	meta := database.MetaInfo()

	connection, err := backend.NewConnectionStringBuilder(meta.Engine, database.ClientService)
	if err != nil {
		return Registration{}, errdef.NewConfiguration("%v", err)
	}

	pool, err := storage.NewPool(ctx, f.logger, storage.PoolConfig{
		Engine:               meta.Engine,
		Host:                 meta.Host,
		Port:                 meta.Port,
		Database:             adminDatabase(database),
		Username:             database.Username,
		Password:             database.Password,
		OracleScriptRequired: database.OracleScriptRequired,
	})
	if err != nil {
		return Registration{}, err
	}

	driver := newDriver(meta.Engine, pool, f.logger)

	catalogDB, err := f.openCatalog(ctx, database, driver)
	if err != nil {
		_ = pool.Close()
		return Registration{}, err
	}

	options := []instance.Option{
		instance.WithConnectionValidator(f.connectionValidator(database)),
	}
	if meta.Engine == model.EngineOracle {
		options = append(options, instance.WithHooks(integration.NewResidents(driver)))
	}
	if f.publisher != nil {
		options = append(options, instance.WithHooks(f.publisher))
	}

	i := instance.New(
		f.logger,
		meta,
		driver,
		catalog.NewRepository(catalogDB),
		usage.NewCache(driver, f.hotel.ResourceUseCollectInterval),
		schema.NewBuilder(meta, connection),
		instance.Cooldowns{
			AfterDelete: f.hotel.CooldownAfterDelete,
			ForUnused:   f.hotel.CooldownForUnused,
		},
		options...,
	)

	return Registration{Instance: i, Catalog: catalogDB}, nil
}

func newDriver(engine model.Engine, pool *sql.DB, logger *slog.Logger) backend.Driver {
	if engine == model.EngineOracle {
		return backend.NewOracle(pool, logger)
	}
	return backend.NewPostgres(pool, logger)
}

func adminDatabase(database config.Database) string {
	if database.EngineKind() == model.EnginePostgres && database.Service == "" {
		return "postgres"
	}
	return database.Service
}

// openCatalog connects to the catalog of an instance. Oracle instances keep their catalog in a
// separate PostgreSQL database. Postgres instances host it themselves in a database owned by a
// principal of the same name which is created on first start.
func (f *Factory) openCatalog(ctx context.Context, database config.Database, driver backend.Driver) (*gorm.DB, error) {
	if database.EngineKind() == model.EngineOracle {
		if database.Catalog == nil {
			return nil, errdef.NewConfiguration("oracle instance %q has no catalog configured", database.InstanceName)
		}
		return storage.NewCatalog(f.logger, *database.Catalog)
	}

	name := strings.ToLower(f.hotel.CatalogSchemaName)
	exists, err := driver.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		err = driver.UpdatePassword(ctx, name, database.Password)
	} else {
		_, err = driver.Create(ctx, name, database.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set up catalog %q: %w", name, err)
	}

	return storage.NewCatalog(f.logger, config.Postgresql{
		Host:         database.Host,
		Port:         database.PortOrDefault(),
		Username:     name,
		Password:     database.Password,
		DatabaseName: name,
	})
}

// connectionValidator logs in to a schema with one of its credentials and closes the connection
// right away.
func (f *Factory) connectionValidator(database config.Database) instance.ConnectionValidator {
	return func(ctx context.Context, s model.DatabaseSchema, credential model.Credential) error {
		name := strings.ToLower(s.Name)
		if database.EngineKind() == model.EngineOracle {
			name = database.Service
		}

		pool, err := storage.NewPool(ctx, f.logger, storage.PoolConfig{
			Engine:               database.EngineKind(),
			Host:                 database.Host,
			Port:                 database.PortOrDefault(),
			Database:             name,
			Username:             credential.Username,
			Password:             credential.Password,
			PoolSize:             1,
			OracleScriptRequired: database.OracleScriptRequired,
		})
		if err != nil {
			return err
		}
		return pool.Close()
	}
}
