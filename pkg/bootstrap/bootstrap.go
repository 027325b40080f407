// Package bootstrap registers the configured database instances, retrying the ones which can't be
// reached until every instance is registered.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/catalog"
	"github.com/dhis2-sre/dbh-manager/pkg/config"
	"github.com/dhis2-sre/dbh-manager/pkg/external"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"gorm.io/gorm"
)

// Registration is the outcome of setting up one configured database.
type Registration struct {
	Instance *instance.Instance
	// Catalog of the instance. The catalog of the default instance also holds the external schemas.
	Catalog *gorm.DB
}

type instanceFactory interface {
	Create(ctx context.Context, database config.Database) (Registration, error)
}

type instanceRegistry interface {
	Register(i *instance.Instance) error
	FindDefaultInstance() (*instance.Instance, error)
	SetExternalSchemaManager(m *external.Manager) error
	MarkReady()
}

func New(logger *slog.Logger, registry instanceRegistry, factory instanceFactory, retryDelay time.Duration) *Bootstrap {
	return &Bootstrap{
		logger:     logger,
		registry:   registry,
		factory:    factory,
		retryDelay: retryDelay,
	}
}

type Bootstrap struct {
	logger     *slog.Logger
	registry   instanceRegistry
	factory    instanceFactory
	retryDelay time.Duration
}

// Run registers every database. Databases failing to register are retried after the retry delay
// until all of them are registered or ctx is done. Configuration errors and duplicated instances
// aren't retried. Once every database is registered the external schema manager is set up on the
// catalog of the default instance and the registry is marked as ready.
func (b *Bootstrap) Run(ctx context.Context, databases []config.Database) error {
	catalogs := make(map[string]*gorm.DB, len(databases))
	pending := databases
	pass := 0

	operation := func() error {
		pass++
		var failed []config.Database
		var errs []error
		for _, database := range pending {
			registration, err := b.register(ctx, database)
			if errdef.IsConfiguration(err) || errdef.IsDuplicated(err) {
				return backoff.Permanent(err)
			}
			if err != nil {
				b.logger.WarnContext(ctx, "Failed to register database instance", "instanceName", database.InstanceName, "host", database.Host, "pass", pass, "error", err)
				failed = append(failed, database)
				errs = append(errs, err)
				continue
			}

			catalogs[database.InstanceName] = registration.Catalog
			b.logger.InfoContext(ctx, "Registered database instance", "instanceName", database.InstanceName, "host", database.Host, "engine", database.EngineKind())
		}

		pending = failed
		return errors.Join(errs...)
	}

	notify := func(err error, next time.Duration) {
		b.logger.WarnContext(ctx, "Retrying registration of database instances", "pending", len(pending), "retryIn", next)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.NewConstantBackOff(b.retryDelay), ctx), notify)
	if err != nil {
		return fmt.Errorf("failed to register database instances: %w", err)
	}

	if err := b.setupExternalSchemaManager(catalogs); err != nil {
		return err
	}

	b.registry.MarkReady()
	b.logger.InfoContext(ctx, "Registered every database instance", "count", len(databases))
	return nil
}

func (b *Bootstrap) register(ctx context.Context, database config.Database) (Registration, error) {
	registration, err := b.factory.Create(ctx, database)
	if err != nil {
		return Registration{}, err
	}

	if err := b.registry.Register(registration.Instance); err != nil {
		return Registration{}, err
	}
	return registration, nil
}

func (b *Bootstrap) setupExternalSchemaManager(catalogs map[string]*gorm.DB) error {
	defaultInstance, err := b.registry.FindDefaultInstance()
	if err != nil {
		return fmt.Errorf("failed to find default instance for external schemas: %w", err)
	}

	db := catalogs[defaultInstance.Meta().InstanceName]
	manager := external.NewManager(b.logger, catalog.NewRepository(db))
	return b.registry.SetExternalSchemaManager(manager)
}
