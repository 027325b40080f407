// Package external keeps track of schemas which live outside of every registered instance. They are
// only recorded in the catalog, nothing is created or dropped on a backend.
package external

import (
	"context"
	"log/slog"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/catalog"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
	"github.com/google/uuid"
)

type catalogStore interface {
	RegisterExternalSchema(ctx context.Context, name, connectionString, username, password string, labels map[string]string) (*model.SchemaData, error)
	FindSchemaDataByID(ctx context.Context, id uuid.UUID) (*model.SchemaData, error)
	FindAllActiveSchemaData(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error)
	DeleteSchemaData(ctx context.Context, id uuid.UUID) error
	FindCredentialsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Credential, error)
	FindLabelsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Label, error)
	ReplaceLabels(ctx context.Context, schemaID uuid.UUID, labels map[string]string) error
	FindExternalSchemasBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.ExternalSchema, error)
	UpdateExternalSchema(ctx context.Context, schemaID uuid.UUID, update catalog.ExternalSchemaUpdate) error
}

func NewManager(logger *slog.Logger, catalog catalogStore) *Manager {
	return &Manager{logger: logger, catalog: catalog}
}

type Manager struct {
	logger  *slog.Logger
	catalog catalogStore
}

// RegisterRequest describes an existing schema to keep track of.
type RegisterRequest struct {
	Name             string
	ConnectionString string
	Username         string
	Password         string
	Labels           map[string]string
}

func (m *Manager) RegisterSchema(ctx context.Context, request RegisterRequest) (model.DatabaseSchema, error) {
	if request.Name == "" || request.ConnectionString == "" || request.Username == "" {
		return model.DatabaseSchema{}, errdef.NewBadRequest("name, connection string and username are required to register an external schema")
	}

	record, err := m.catalog.RegisterExternalSchema(ctx, request.Name, request.ConnectionString, request.Username, request.Password, request.Labels)
	if err != nil {
		return model.DatabaseSchema{}, err
	}

	m.logger.InfoContext(ctx, "Registered external schema", "schema", record.Name, "id", record.ID)

	s, found, err := m.FindSchemaByID(ctx, record.ID)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	if !found {
		return model.DatabaseSchema{}, errdef.NewConsistency("expected external schema %q to be registered, but it was not", record.Name)
	}
	return s, nil
}

func (m *Manager) FindSchemaByID(ctx context.Context, id uuid.UUID) (model.DatabaseSchema, bool, error) {
	record, err := m.catalog.FindSchemaDataByID(ctx, id)
	if errdef.IsNotFound(err) {
		return model.DatabaseSchema{}, false, nil
	}
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}
	if !record.Active || record.SchemaType != model.SchemaTypeExternal {
		return model.DatabaseSchema{}, false, nil
	}

	schemas, err := m.assemble(ctx, []model.SchemaData{*record})
	if err != nil {
		return model.DatabaseSchema{}, false, err
	}
	if len(schemas) == 0 {
		return model.DatabaseSchema{}, false, nil
	}
	return schemas[0], true, nil
}

// FindAllSchemas finds the external schemas whose labels match given labels.
func (m *Manager) FindAllSchemas(ctx context.Context, labels map[string]string) ([]model.DatabaseSchema, error) {
	records, err := m.catalog.FindAllActiveSchemaData(ctx, model.SchemaTypeExternal)
	if err != nil {
		return nil, err
	}

	schemas, err := m.assemble(ctx, records)
	if err != nil {
		return nil, err
	}
	return schema.Filter(schemas, labels), nil
}

// assemble builds the aggregates of records. A record without connection string is left out.
func (m *Manager) assemble(ctx context.Context, records []model.SchemaData) ([]model.DatabaseSchema, error) {
	if len(records) == 0 {
		return []model.DatabaseSchema{}, nil
	}

	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}

	externals, err := m.catalog.FindExternalSchemasBySchemaIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	connections := make(map[uuid.UUID]model.ExternalSchema, len(externals))
	for _, external := range externals {
		connections[external.SchemaID] = external
	}

	credentials, err := m.catalog.FindCredentialsBySchemaIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	labels, err := m.catalog.FindLabelsBySchemaIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	schemas := make([]model.DatabaseSchema, 0, len(records))
	for _, record := range records {
		external, ok := connections[record.ID]
		if !ok {
			continue
		}

		var own []model.Credential
		for _, credential := range credentials {
			if credential.SchemaID == record.ID {
				own = append(own, credential)
			}
		}

		schemas = append(schemas, model.DatabaseSchema{
			ID:               record.ID,
			Type:             model.SchemaTypeExternal,
			Active:           record.Active,
			Instance:         model.ExternalInstance,
			ConnectionString: external.ConnectionString,
			Name:             record.Name,
			CreatedAt:        external.CreatedAt,
			Credentials:      own,
			Labels:           schema.LabelMap(record.ID, labels),
		})
	}
	return schemas, nil
}

// DeleteSchema removes an external schema and everything recorded about it.
func (m *Manager) DeleteSchema(ctx context.Context, id uuid.UUID) error {
	if err := m.catalog.DeleteSchemaData(ctx, id); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Deleted external schema", "id", id)
	return nil
}

func (m *Manager) ReplaceLabels(ctx context.Context, s model.DatabaseSchema, labels map[string]string) (model.DatabaseSchema, error) {
	if labels == nil {
		labels = map[string]string{}
	}

	if err := m.catalog.ReplaceLabels(ctx, s.ID, labels); err != nil {
		return model.DatabaseSchema{}, err
	}

	updated, found, err := m.FindSchemaByID(ctx, s.ID)
	if err != nil {
		return model.DatabaseSchema{}, err
	}
	if !found {
		return model.DatabaseSchema{}, errdef.NewNotFound("external schema not found by id: %s", s.ID)
	}
	return updated, nil
}

// UpdateConnectionInfo changes the given connection details of an external schema. Nil values are
// left as they are.
func (m *Manager) UpdateConnectionInfo(ctx context.Context, id uuid.UUID, username, connectionString, password *string) error {
	if username == nil && connectionString == nil && password == nil {
		return nil
	}

	return m.catalog.UpdateExternalSchema(ctx, id, catalog.ExternalSchemaUpdate{
		Username:         username,
		ConnectionString: connectionString,
		Password:         password,
	})
}
