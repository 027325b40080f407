// Package hotel serves requests spanning every registered database instance and the external schemas.
package hotel

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/internal/middleware"
	"github.com/dhis2-sre/dbh-manager/pkg/external"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func New(logger *slog.Logger, registry *registry.Registry) *Hotel {
	return &Hotel{logger: logger, registry: registry}
}

type Hotel struct {
	logger   *slog.Logger
	registry *registry.Registry
}

// located is a schema together with the instance hosting it. Instance is nil for external schemas.
type located struct {
	schema   model.DatabaseSchema
	instance *instance.Instance
}

func withInstance(ctx context.Context, i *instance.Instance) context.Context {
	return middleware.NewContextWithInstanceName(ctx, i.Meta().InstanceName)
}

// FindSchemaByID finds an active schema on any instance or among the external schemas.
func (h *Hotel) FindSchemaByID(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, error) {
	l, err := h.locate(ctx, id)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	return l.schema, nil
}

func (h *Hotel) locate(ctx context.Context, id uuid.UUID) (located, error) {
	return h.locateWith(ctx, id, (*instance.Instance).FindByID, true)
}

// locateWith looks up id on every instance with find and, if withExternal is set, among the external
// schemas.
func (h *Hotel) locateWith(ctx context.Context, id uuid.UUID, find func(*instance.Instance, context.Context, uuid.UUID) (model.DatabaseSchema, bool, error), withExternal bool) (located, error) {
	var mu sync.Mutex
	var candidates []located
	add := func(l located) {
		mu.Lock()
		defer mu.Unlock()
		candidates = append(candidates, l)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range h.registry.FindAllInstances("") {
		g.Go(func() error {
			s, found, err := find(i, withInstance(gctx, i), id)
			if err != nil {
				return fmt.Errorf("failed to find schema on instance %q: %w", i.Meta().InstanceName, err)
			}
			if found {
				add(located{schema: s, instance: i})
			}
			return nil
		})
	}
	if manager, ok := h.registry.ExternalSchemaManager(); ok && withExternal {
		g.Go(func() error {
			s, found, err := manager.FindSchemaByID(gctx, id)
			if err != nil {
				return fmt.Errorf("failed to find external schema: %w", err)
			}
			if found {
				add(located{schema: s})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return located{}, err
	}

	switch len(candidates) {
	case 0:
		return located{}, errdef.NewNotFound("schema not found by id: %s", id)
	case 1:
		return candidates[0], nil
	default:
		descriptions := make([]string, 0, len(candidates))
		for _, c := range candidates {
			descriptions = append(descriptions, fmt.Sprintf("%s (%s on %s)", c.schema.Name, c.schema.ConnectionString, c.schema.Instance.Host))
		}
		return located{}, errdef.NewConsistency("found %d schemas with id %s: %s", len(candidates), id, strings.Join(descriptions, ", "))
	}
}

// FindAllSchemas finds the schemas matching labels on every instance of given engine. External
// schemas are only included if no engine is given.
func (h *Hotel) FindAllSchemas(ctx context.Context, engine model.Engine, labels map[string]string) ([]model.DatabaseSchema, error) {
	instances := h.registry.FindAllInstances(engine)
	results := make([][]model.DatabaseSchema, len(instances)+1)

	g, gctx := errgroup.WithContext(ctx)
	for n, i := range instances {
		g.Go(func() error {
			schemas, err := i.FindAll(withInstance(gctx, i), labels)
			if err != nil {
				return fmt.Errorf("failed to find schemas on instance %q: %w", i.Meta().InstanceName, err)
			}
			results[n] = schemas
			return nil
		})
	}
	if manager, ok := h.registry.ExternalSchemaManager(); ok && engine == "" {
		g.Go(func() error {
			schemas, err := manager.FindAllSchemas(gctx, labels)
			if err != nil {
				return fmt.Errorf("failed to find external schemas: %w", err)
			}
			results[len(instances)] = schemas
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]model.DatabaseSchema, 0)
	for _, schemas := range results {
		all = append(all, schemas...)
	}
	return all, nil
}

// FindAllSchemasForDeletion lists the reclamation candidates of every instance.
func (h *Hotel) FindAllSchemasForDeletion(ctx context.Context) ([]model.DatabaseSchema, error) {
	all := make([]model.DatabaseSchema, 0)
	for _, i := range h.registry.FindAllInstances("") {
		schemas, err := i.FindAllForDeletion(withInstance(ctx, i))
		if err != nil {
			return nil, fmt.Errorf("failed to find schemas for deletion on instance %q: %w", i.Meta().InstanceName, err)
		}
		all = append(all, schemas...)
	}
	return all, nil
}

// FindAllInactiveSchemas finds the managed schemas in cooldown matching labels on every instance,
// the ones used or created longest ago first.
func (h *Hotel) FindAllInactiveSchemas(ctx context.Context, labels map[string]string) ([]model.DatabaseSchema, error) {
	instances := h.registry.FindAllInstances("")
	results := make([][]model.DatabaseSchema, len(instances))

	g, gctx := errgroup.WithContext(ctx)
	for n, i := range instances {
		g.Go(func() error {
			schemas, err := i.FindAllInactive(withInstance(gctx, i), labels)
			if err != nil {
				return fmt.Errorf("failed to find inactive schemas on instance %q: %w", i.Meta().InstanceName, err)
			}
			results[n] = schemas
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := slices.Concat(results...)
	slices.SortStableFunc(all, func(a, b model.DatabaseSchema) int {
		return a.LastUsedOrCreatedAt().Compare(b.LastUsedOrCreatedAt())
	})
	return all, nil
}

// ReactivateSchema brings a managed schema in cooldown back on whichever instance holds it.
func (h *Hotel) ReactivateSchema(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, error) {
	l, err := h.locateWith(ctx, id, (*instance.Instance).FindInactiveByID, false)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	return l.instance.ReactivateSchema(withInstance(ctx, l.instance), id)
}

// CreateSchema creates a schema on the instance selected by requirements.
func (h *Hotel) CreateSchema(ctx context.Context, requirements registry.Requirements, request instance.CreateRequest) (model.DatabaseSchema, error) {
	i, err := h.registry.FindInstanceOrFail(requirements)
	if err != nil {
		return model.DatabaseSchema{}, err
	}

	return i.CreateSchema(withInstance(ctx, i), request)
}

// DeleteSchemaByID puts a managed schema into cooldown or removes an external schema right away.
func (h *Hotel) DeleteSchemaByID(ctx context.Context, id uuid.UUID, cooldown *time.Duration) error {
	l, err := h.locate(ctx, id)
	if err != nil {
		return err
	}

	if l.instance == nil {
		manager, _ := h.registry.ExternalSchemaManager()
		return manager.DeleteSchema(ctx, id)
	}
	return l.instance.DeleteSchema(withInstance(ctx, l.instance), l.schema.Name, cooldown, true)
}

// UpdateRequest changes a schema. Labels always replace the current labels. The connection details
// can only be changed on external schemas and nil values are left as they are.
type UpdateRequest struct {
	Labels           map[string]string
	Username         *string
	ConnectionString *string
	Password         *string
}

func (r UpdateRequest) changesConnection() bool {
	return r.Username != nil || r.ConnectionString != nil || r.Password != nil
}

func (h *Hotel) UpdateSchema(ctx context.Context, id uuid.UUID, request UpdateRequest) (model.DatabaseSchema, error) {
	l, err := h.locate(ctx, id)
	if err != nil {
		return model.DatabaseSchema{}, err
	}

	if l.instance != nil {
		if request.changesConnection() {
			return model.DatabaseSchema{}, errdef.NewBadRequest("connection details of managed schema %q can't be changed", l.schema.Name)
		}
		return l.instance.ReplaceLabels(withInstance(ctx, l.instance), l.schema, request.Labels)
	}

	manager, _ := h.registry.ExternalSchemaManager()
	err = manager.UpdateConnectionInfo(ctx, id, request.Username, request.ConnectionString, request.Password)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	return manager.ReplaceLabels(ctx, l.schema, request.Labels)
}

// RegisterExternalSchema records a schema hosted outside of every instance.
func (h *Hotel) RegisterExternalSchema(ctx context.Context, request external.RegisterRequest) (model.DatabaseSchema, error) {
	manager, ok := h.registry.ExternalSchemaManager()
	if !ok {
		return model.DatabaseSchema{}, errdef.NewOperationDisabled("external schemas can't be registered before every instance is registered")
	}
	return manager.RegisterSchema(ctx, request)
}

// ValidateConnection logs in to a managed schema with its credential.
func (h *Hotel) ValidateConnection(ctx context.Context, id uuid.UUID) error {
	l, err := h.locate(ctx, id)
	if err != nil {
		return err
	}
	if l.instance == nil {
		return errdef.NewOperationDisabled("connections to external schema %q can't be validated", l.schema.Name)
	}
	return l.instance.ValidateConnection(withInstance(ctx, l.instance), id)
}

