// Package instance manages the schemas of one database instance. An [Instance] keeps the catalog
// and the backend in step and notifies its hooks about every change.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/backend"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// lookback is how long a schema has to be left alone before it is reclaimed.
	lookback = 7 * 24 * time.Hour
	// systemTestUserSuffix marks schemas created by automated builds.
	systemTestUserSuffix = ":jenkins-builder"
	// principalLookupLimit is the number of schemas up to which backend principals are looked up one
	// by one instead of listing all of them.
	principalLookupLimit = 16
	parallelDeletions    = 4
)

type catalogStore interface {
	CreateManagedSchema(ctx context.Context, name, password string) (*model.SchemaData, error)
	FindSchemaDataByID(ctx context.Context, id uuid.UUID) (*model.SchemaData, error)
	FindSchemaDataByName(ctx context.Context, name string) (*model.SchemaData, error)
	FindSchemaDataByNameIgnoreActive(ctx context.Context, name string) (*model.SchemaData, error)
	FindAllActiveSchemaData(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error)
	FindAllSchemaDataIgnoreActive(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error)
	FindAllActiveSchemaDataByLabels(ctx context.Context, schemaType model.SchemaType, labels map[string]string) ([]model.SchemaData, error)
	FindAllSchemaDataWithExpiredCooldown(ctx context.Context, schemaType model.SchemaType, before time.Time) ([]model.SchemaData, error)
	FindAllInactiveSchemaData(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error)
	DeactivateSchemaData(ctx context.Context, id uuid.UUID, at, deleteAfter time.Time, password string) error
	ReactivateSchemaData(ctx context.Context, id uuid.UUID) error
	DeleteSchemaData(ctx context.Context, id uuid.UUID) error
	FindAllCredentials(ctx context.Context) ([]model.Credential, error)
	FindCredentialsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Credential, error)
	FindAllLabels(ctx context.Context) ([]model.Label, error)
	FindLabelsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Label, error)
	ReplaceLabels(ctx context.Context, schemaID uuid.UUID, labels map[string]string) error
}

type sizeCache interface {
	SchemaSizes(ctx context.Context) ([]model.SchemaSize, error)
	SchemaSize(ctx context.Context, name string) (float64, error)
	Invalidate()
}

// ConnectionValidator verifies that a schema can be logged in to with given credential.
type ConnectionValidator func(ctx context.Context, schema model.DatabaseSchema, credential model.Credential) error

// Cooldowns are the durations a deleted schema is kept before it may be purged.
type Cooldowns struct {
	// AfterDelete applies to schemas deleted on request unless the request overrides it.
	AfterDelete time.Duration
	// ForUnused applies to schemas reclaimed because nobody used them.
	ForUnused time.Duration
}

type Option func(*Instance)

// WithHooks registers hooks. They are notified in the order they were registered in.
func WithHooks(hooks ...Hook) Option {
	return func(i *Instance) {
		i.hooks = append(i.hooks, hooks...)
	}
}

func WithGenerator(generator Generator) Option {
	return func(i *Instance) {
		i.generator = generator
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Instance) {
		i.now = now
	}
}

func WithConnectionValidator(validator ConnectionValidator) Option {
	return func(i *Instance) {
		i.validator = validator
	}
}

func New(logger *slog.Logger, meta model.InstanceMetaInfo, driver backend.Driver, catalog catalogStore, cache sizeCache, builder schema.Builder, cooldowns Cooldowns, options ...Option) *Instance {
	i := &Instance{
		logger:    logger,
		meta:      meta,
		driver:    driver,
		catalog:   catalog,
		cache:     cache,
		builder:   builder,
		cooldowns: cooldowns,
		generator: RandomGenerator{},
		now:       time.Now,
	}
	for _, option := range options {
		option(i)
	}
	return i
}

type Instance struct {
	logger    *slog.Logger
	meta      model.InstanceMetaInfo
	driver    backend.Driver
	catalog   catalogStore
	cache     sizeCache
	builder   schema.Builder
	cooldowns Cooldowns
	hooks     []Hook
	generator Generator
	validator ConnectionValidator
	now       func() time.Time
}

func (i *Instance) Meta() model.InstanceMetaInfo {
	return i.meta
}

// FindByID finds an active managed schema. A schema whose backend principal is gone isn't found.
func (i *Instance) FindByID(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, bool, error) {
	record, err := i.catalog.FindSchemaDataByID(ctx, id)
	if errdef.IsNotFound(err) {
		return model.DatabaseSchema{}, false, nil
	}
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}
	if !record.Active {
		return model.DatabaseSchema{}, false, nil
	}

	return i.fromRecord(ctx, *record)
}

// FindByName finds an active managed schema. A schema whose backend principal is gone isn't found.
func (i *Instance) FindByName(ctx context.Context, name string) (model.DatabaseSchema, bool, error) {
	record, err := i.catalog.FindSchemaDataByName(ctx, name)
	if errdef.IsNotFound(err) {
		return model.DatabaseSchema{}, false, nil
	}
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}

	return i.fromRecord(ctx, *record)
}

func (i *Instance) fromRecord(ctx context.Context, record model.SchemaData) (model.DatabaseSchema, bool, error) {
	if record.SchemaType != model.SchemaTypeManaged {
		return model.DatabaseSchema{}, false, nil
	}

	principal, found, err := i.driver.FindByName(ctx, record.Name)
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}
	if !found {
		return model.DatabaseSchema{}, false, nil
	}

	ids := []uuid.UUID{record.ID}
	credentials, err := i.catalog.FindCredentialsBySchemaIDs(ctx, ids)
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}

	labels, err := i.catalog.FindLabelsBySchemaIDs(ctx, ids)
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}

	size, err := i.cache.SchemaSize(ctx, record.Name)
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}

	return i.builder.CreateOne(record, principal, credentials, labels, size), true, nil
}

// FindAll finds the active managed schemas whose labels match given labels. Labels with a value are
// matched by the catalog so only the schemas matching them are assembled.
func (i *Instance) FindAll(ctx context.Context, labels map[string]string) ([]model.DatabaseSchema, error) {
	if len(labels) == 0 {
		records, err := i.catalog.FindAllActiveSchemaData(ctx, model.SchemaTypeManaged)
		if err != nil {
			return nil, err
		}
		return i.assembleAll(ctx, records)
	}

	pushdown := make(map[string]string, len(labels))
	for name, value := range labels {
		if value != "" {
			pushdown[name] = value
		}
	}

	records, err := i.catalog.FindAllActiveSchemaDataByLabels(ctx, model.SchemaTypeManaged, pushdown)
	if err != nil {
		return nil, err
	}

	schemas, err := i.assemble(ctx, records)
	if err != nil {
		return nil, err
	}
	return schema.Filter(schemas, labels), nil
}

// FindAllIgnoreActive finds every managed schema including the ones in cooldown.
func (i *Instance) FindAllIgnoreActive(ctx context.Context) ([]model.DatabaseSchema, error) {
	records, err := i.catalog.FindAllSchemaDataIgnoreActive(ctx, model.SchemaTypeManaged)
	if err != nil {
		return nil, err
	}
	return i.assembleAll(ctx, records)
}

// assembleAll joins records with everything the catalog and the backend hold.
func (i *Instance) assembleAll(ctx context.Context, records []model.SchemaData) ([]model.DatabaseSchema, error) {
	credentials, err := i.catalog.FindAllCredentials(ctx)
	if err != nil {
		return nil, err
	}

	labels, err := i.catalog.FindAllLabels(ctx)
	if err != nil {
		return nil, err
	}

	principals, err := i.driver.FindAllNonSystem(ctx)
	if err != nil {
		return nil, err
	}

	sizes, err := i.cache.SchemaSizes(ctx)
	if err != nil {
		return nil, err
	}

	return i.builder.CreateMany(records, principals, credentials, labels, sizes), nil
}

// assemble joins records with only what belongs to them.
func (i *Instance) assemble(ctx context.Context, records []model.SchemaData) ([]model.DatabaseSchema, error) {
	if len(records) == 0 {
		return []model.DatabaseSchema{}, nil
	}

	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}

	credentials, err := i.catalog.FindCredentialsBySchemaIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	labels, err := i.catalog.FindLabelsBySchemaIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	principals, err := i.principals(ctx, records)
	if err != nil {
		return nil, err
	}

	sizes, err := i.cache.SchemaSizes(ctx)
	if err != nil {
		return nil, err
	}

	return i.builder.CreateMany(records, principals, credentials, labels, sizes), nil
}

func (i *Instance) principals(ctx context.Context, records []model.SchemaData) ([]model.BackendPrincipal, error) {
	if len(records) > principalLookupLimit {
		return i.driver.FindAllNonSystem(ctx)
	}

	principals := make([]model.BackendPrincipal, 0, len(records))
	for _, record := range records {
		principal, found, err := i.driver.FindByName(ctx, record.Name)
		if err != nil {
			return nil, err
		}
		if found {
			principals = append(principals, principal)
		}
	}
	return principals, nil
}

// CreateRequest describes a schema to create. A name and a password are generated if not given.
type CreateRequest struct {
	Name     string
	Password string
	Labels   map[string]string
}

// CreateSchema creates a schema on the backend and records it in the catalog.
func (i *Instance) CreateSchema(ctx context.Context, request CreateRequest) (model.DatabaseSchema, error) {
	if !i.meta.CreateSchemaAllowed {
		return model.DatabaseSchema{}, errdef.NewOperationDisabled("schema creation has been disabled for instance %q", i.meta.InstanceName)
	}

	name, password, err := i.credentials(request)
	if err != nil {
		return model.DatabaseSchema{}, err
	}

	canonical, err := i.driver.Create(ctx, name, password)
	if err != nil {
		return model.DatabaseSchema{}, err
	}

	record, err := i.catalog.CreateManagedSchema(ctx, canonical, password)
	if err != nil {
		return model.DatabaseSchema{}, fmt.Errorf("failed to record schema %q: %w", canonical, i.discard(ctx, uuid.Nil, canonical, err))
	}

	created, err := i.completeCreation(ctx, record.ID, canonical, request.Labels)
	if err != nil {
		return model.DatabaseSchema{}, i.discard(ctx, record.ID, canonical, err)
	}
	return created, nil
}

func (i *Instance) completeCreation(ctx context.Context, id uuid.UUID, name string, labels map[string]string) (model.DatabaseSchema, error) {
	created, found, err := i.FindByName(ctx, name)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	if !found {
		return model.DatabaseSchema{}, errdef.NewConsistency("expected schema %q to be created on instance %q, but it was not", name, i.meta.InstanceName)
	}
	if created.ID != id {
		return model.DatabaseSchema{}, errdef.NewConsistency("expected schema %q to have id %s, but found %s", name, id, created.ID)
	}

	if len(labels) > 0 {
		if err := i.catalog.ReplaceLabels(ctx, created.ID, labels); err != nil {
			return model.DatabaseSchema{}, err
		}
		created.Labels = maps.Clone(labels)
	}

	i.logger.InfoContext(ctx, "Created schema", "schema", created.Name, "id", created.ID, "labels", created.Labels)

	if err := i.created(ctx, created); err != nil {
		return model.DatabaseSchema{}, err
	}
	return created, nil
}

// discard removes a schema whose creation failed halfway from the catalog, unless id is nil, and
// from the backend. Nobody learned its name so nobody else could.
func (i *Instance) discard(ctx context.Context, id uuid.UUID, name string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	i.logger.ErrorContext(ctx, "Failed to create schema, discarding it", "schema", name, "error", cause)

	errs := []error{cause}
	if id != uuid.Nil {
		if err := i.catalog.DeleteSchemaData(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove schema %q from the catalog: %w", name, err))
		}
	}
	if err := i.driver.Delete(ctx, name); err != nil {
		errs = append(errs, fmt.Errorf("failed to drop schema %q: %w", name, err))
	}
	return errors.Join(errs...)
}

func (i *Instance) credentials(request CreateRequest) (string, string, error) {
	name := request.Name
	if name == "" {
		generated, err := i.generator.Name()
		if err != nil {
			return "", "", fmt.Errorf("failed to generate schema name: %v", err)
		}
		name = generated
	}

	password := request.Password
	if password == "" {
		generated, err := i.generator.Password()
		if err != nil {
			return "", "", fmt.Errorf("failed to generate password: %v", err)
		}
		password = generated
	}

	return name, password, nil
}

// DeleteSchema deactivates a schema and rotates its password so nobody can log in to it anymore. The
// schema is kept on the backend. Without a cooldown the configured cooldown after delete applies.
func (i *Instance) DeleteSchema(ctx context.Context, name string, cooldown *time.Duration, assertExists bool) error {
	s, found, err := i.FindByName(ctx, name)
	if err != nil {
		return err
	}
	if !found {
		if assertExists {
			return errdef.NewNotFound("no schema named %q on instance %q", name, i.meta.InstanceName)
		}
		return nil
	}

	resolved := i.cooldowns.AfterDelete
	if cooldown != nil {
		resolved = *cooldown
	}

	i.logger.InfoContext(ctx, "Deactivating schema",
		"schema", s.Name,
		"id", s.ID,
		"lastUsed", s.LastUsedAt,
		"sizeMb", s.SizeMB,
		"labels", s.Labels,
		"cooldown", resolved,
	)

	password, err := i.generator.Password()
	if err != nil {
		return fmt.Errorf("failed to generate password: %v", err)
	}

	now := i.now()
	deleteAfter := now.Add(resolved)
	if err := i.catalog.DeactivateSchemaData(ctx, s.ID, now, deleteAfter, password); err != nil {
		return err
	}

	// the catalog committed, from here on the old password must not work anymore
	if err := i.driver.UpdatePassword(ctx, s.Name, password); err != nil {
		return err
	}

	s.Active = false
	s.SetToCooldownAt = &now
	s.DeleteAfter = &deleteAfter

	return i.deleted(ctx, s, resolved)
}

// FindInactiveByID finds a managed schema in cooldown. A schema whose backend principal is gone isn't
// found.
func (i *Instance) FindInactiveByID(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, bool, error) {
	record, err := i.catalog.FindSchemaDataByID(ctx, id)
	if errdef.IsNotFound(err) {
		return model.DatabaseSchema{}, false, nil
	}
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}
	if record.Active {
		return model.DatabaseSchema{}, false, nil
	}

	return i.fromRecord(ctx, *record)
}

// FindAllInactive finds the managed schemas in cooldown whose labels match given labels, the ones
// used or created longest ago first.
func (i *Instance) FindAllInactive(ctx context.Context, labels map[string]string) ([]model.DatabaseSchema, error) {
	records, err := i.catalog.FindAllInactiveSchemaData(ctx, model.SchemaTypeManaged)
	if err != nil {
		return nil, err
	}

	schemas, err := i.assemble(ctx, records)
	if err != nil {
		return nil, err
	}

	schemas = schema.Filter(schemas, labels)
	slices.SortStableFunc(schemas, func(a, b model.DatabaseSchema) int {
		return a.LastUsedOrCreatedAt().Compare(b.LastUsedOrCreatedAt())
	})
	return schemas, nil
}

// ReactivateSchema brings a schema back from cooldown. The backend password is set to the one in the
// catalog again so the credential handed out matches the backend.
func (i *Instance) ReactivateSchema(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, error) {
	inactive, found, err := i.FindInactiveByID(ctx, id)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	if !found {
		return model.DatabaseSchema{}, errdef.NewNotFound("no schema in cooldown with id %s on instance %q", id, i.meta.InstanceName)
	}

	credential, ok := inactive.Credential(model.CredentialTypeSchema)
	if !ok {
		return model.DatabaseSchema{}, errdef.NewConsistency("schema %q has no %s credential", inactive.Name, model.CredentialTypeSchema)
	}

	i.logger.InfoContext(ctx, "Reactivating schema", "schema", inactive.Name, "id", id, "setToCooldownAt", inactive.SetToCooldownAt)

	if err := i.catalog.ReactivateSchemaData(ctx, id); err != nil {
		return model.DatabaseSchema{}, err
	}

	if err := i.driver.UpdatePassword(ctx, inactive.Name, credential.Password); err != nil {
		return model.DatabaseSchema{}, err
	}

	reactivated, found, err := i.FindByID(ctx, id)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	if !found {
		return model.DatabaseSchema{}, errdef.NewConsistency("expected schema %q to be reactivated on instance %q, but it was not", inactive.Name, i.meta.InstanceName)
	}

	if err := i.reactivated(ctx, reactivated); err != nil {
		return model.DatabaseSchema{}, err
	}
	return reactivated, nil
}

// ReplaceLabels replaces every label of a schema.
func (i *Instance) ReplaceLabels(ctx context.Context, s model.DatabaseSchema, labels map[string]string) (model.DatabaseSchema, error) {
	if labels == nil {
		labels = map[string]string{}
	}

	if err := i.catalog.ReplaceLabels(ctx, s.ID, labels); err != nil {
		return model.DatabaseSchema{}, err
	}
	s.Labels = maps.Clone(labels)

	if err := i.updated(ctx, s); err != nil {
		return model.DatabaseSchema{}, err
	}
	return s, nil
}

// FindAllForDeletion finds the schemas which haven't been used or created for a week and either were
// never used or belong to automated builds.
func (i *Instance) FindAllForDeletion(ctx context.Context) ([]model.DatabaseSchema, error) {
	schemas, err := i.FindAll(ctx, nil)
	if err != nil {
		return nil, err
	}

	before := i.now().Add(-lookback)
	candidates := make([]model.DatabaseSchema, 0)
	for _, s := range schemas {
		if !s.IsUnused() && !isSystemTest(s) {
			continue
		}
		if s.LastUsedOrCreatedAt().Before(before) {
			candidates = append(candidates, s)
		}
	}
	return candidates, nil
}

func isSystemTest(s model.DatabaseSchema) bool {
	return strings.HasSuffix(s.Labels["userId"], systemTestUserSuffix)
}

// DeleteUnusedSchemas deletes every candidate for deletion with the cooldown for unused schemas.
func (i *Instance) DeleteUnusedSchemas(ctx context.Context) error {
	candidates, err := i.FindAllForDeletion(ctx)
	if err != nil {
		return err
	}

	i.logger.InfoContext(ctx, "Deleting unused schemas", "count", len(candidates))

	cooldown := i.cooldowns.ForUnused
	return forEach(candidates, func(candidate model.DatabaseSchema) error {
		if err := i.DeleteSchema(ctx, candidate.Name, &cooldown, false); err != nil {
			i.logger.ErrorContext(ctx, "Failed to delete unused schema", "schema", candidate.Name, "error", err)
			return fmt.Errorf("failed to delete unused schema %q: %w", candidate.Name, err)
		}
		return nil
	})
}

// PermanentlyDeleteSchema drops a schema from the backend including its data and then removes it from
// the catalog. Active schemas are dropped as well. The catalog is left untouched if the backend
// fails.
func (i *Instance) PermanentlyDeleteSchema(ctx context.Context, name string) error {
	record, err := i.catalog.FindSchemaDataByNameIgnoreActive(ctx, name)
	if err != nil {
		return err
	}

	return i.permanentlyDelete(ctx, *record)
}

func (i *Instance) permanentlyDelete(ctx context.Context, record model.SchemaData) error {
	i.logger.InfoContext(ctx, "Permanently deleting schema", "schema", record.Name, "id", record.ID)

	exists, err := i.driver.Exists(ctx, record.Name)
	if err != nil {
		return err
	}
	if exists {
		if err := i.driver.Delete(ctx, record.Name); err != nil {
			return err
		}
	}

	return i.catalog.DeleteSchemaData(ctx, record.ID)
}

// FindAllSchemasWithExpiredCooldowns finds the deactivated schemas whose cooldown is over.
func (i *Instance) FindAllSchemasWithExpiredCooldowns(ctx context.Context) ([]model.DatabaseSchema, error) {
	records, err := i.catalog.FindAllSchemaDataWithExpiredCooldown(ctx, model.SchemaTypeManaged, i.now())
	if err != nil {
		return nil, err
	}
	return i.assembleAll(ctx, records)
}

// DeleteSchemasWithExpiredCooldowns permanently deletes every deactivated schema whose cooldown is
// over.
func (i *Instance) DeleteSchemasWithExpiredCooldowns(ctx context.Context) error {
	records, err := i.catalog.FindAllSchemaDataWithExpiredCooldown(ctx, model.SchemaTypeManaged, i.now())
	if err != nil {
		return err
	}

	i.logger.InfoContext(ctx, "Permanently deleting schemas with expired cooldowns", "count", len(records))

	err = forEach(records, func(record model.SchemaData) error {
		if err := i.permanentlyDelete(ctx, record); err != nil {
			i.logger.ErrorContext(ctx, "Failed to permanently delete schema", "schema", record.Name, "error", err)
			return fmt.Errorf("failed to permanently delete schema %q: %w", record.Name, err)
		}
		return nil
	})

	if len(records) > 0 {
		i.cache.Invalidate()
	}
	return err
}

// ValidateConnection logs in to a schema with its SCHEMA credential.
func (i *Instance) ValidateConnection(ctx context.Context, id uuid.UUID) error {
	s, found, err := i.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return errdef.NewNotFound("schema not found by id: %s", id)
	}

	if i.validator == nil {
		return errdef.NewOperationDisabled("connection validation isn't configured for instance %q", i.meta.InstanceName)
	}

	credential, ok := s.Credential(model.CredentialTypeSchema)
	if !ok {
		return errdef.NewConsistency("schema %q has no %s credential", s.Name, model.CredentialTypeSchema)
	}

	return i.validator(ctx, s, credential)
}

// forEach runs fn for every item, parallelDeletions at a time. Every failure is returned.
func forEach[T any](items []T, fn func(T) error) error {
	var mu sync.Mutex
	var errs []error

	var g errgroup.Group
	g.SetLimit(parallelDeletions)
	for _, item := range items {
		g.Go(func() error {
			if err := fn(item); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}
