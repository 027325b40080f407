package instance_test

import (
	"context"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type fakeDriver struct {
	mu         sync.Mutex
	principals map[string]model.BackendPrincipal
	passwords  map[string]string
	sizes      []model.SchemaSize
	deleteErr  error
	deleted    []string
	lookups    int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		principals: map[string]model.BackendPrincipal{},
		passwords:  map[string]string{},
	}
}

func (d *fakeDriver) add(name string, lastLogin *time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.principals[name] = model.BackendPrincipal{Name: name, LastLoginAt: lastLogin}
}

func (d *fakeDriver) password(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.passwords[name]
}

func (d *fakeDriver) Exists(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.principals[name]
	return ok, nil
}

func (d *fakeDriver) Create(_ context.Context, name, password string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name = strings.ToUpper(name)
	if _, ok := d.principals[name]; ok {
		return "", errdef.NewDuplicated("user %q already exists", name)
	}
	d.principals[name] = model.BackendPrincipal{Name: name}
	d.passwords[name] = password
	return name, nil
}

func (d *fakeDriver) UpdatePassword(_ context.Context, name, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[name] = password
	return nil
}

func (d *fakeDriver) FindByName(_ context.Context, name string) (model.BackendPrincipal, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	principal, ok := d.principals[name]
	return principal, ok, nil
}

func (d *fakeDriver) FindAllNonSystem(_ context.Context) ([]model.BackendPrincipal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	principals := make([]model.BackendPrincipal, 0, len(d.principals))
	for _, principal := range d.principals {
		principals = append(principals, principal)
	}
	return principals, nil
}

func (d *fakeDriver) Delete(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	delete(d.principals, name)
	d.deleted = append(d.deleted, name)
	return nil
}

func (d *fakeDriver) SchemaSizes(_ context.Context) ([]model.SchemaSize, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sizes, nil
}

func (d *fakeDriver) Execute(_ context.Context, _ ...string) error {
	return nil
}

func (d *fakeDriver) Exec(_ context.Context, _ string, _ ...any) error {
	return nil
}

func (d *fakeDriver) Query(_ context.Context, _ string, _ ...any) ([]map[string]any, error) {
	return nil, nil
}

// fakeCatalog keeps the catalog in memory the way the gorm repository does in PostgreSQL. Filter
// functions run while holding mu.
type fakeCatalog struct {
	mu          sync.Mutex
	records     map[uuid.UUID]*model.SchemaData
	credentials map[uuid.UUID]model.Credential
	labels      map[uuid.UUID]map[string]string
	now         func() time.Time
	pushdowns   []map[string]string
}

func newFakeCatalog(now func() time.Time) *fakeCatalog {
	return &fakeCatalog{
		records:     map[uuid.UUID]*model.SchemaData{},
		credentials: map[uuid.UUID]model.Credential{},
		labels:      map[uuid.UUID]map[string]string{},
		now:         now,
	}
}

func (c *fakeCatalog) CreateManagedSchema(_ context.Context, name, password string) (*model.SchemaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.records {
		if record.Active && record.Name == name {
			return nil, errdef.NewDuplicated("schema %q already exists", name)
		}
	}
	record := &model.SchemaData{ID: uuid.New(), Name: name, SchemaType: model.SchemaTypeManaged, Active: true, CreatedAt: c.now()}
	c.records[record.ID] = record
	c.credentials[record.ID] = model.Credential{ID: uuid.New(), SchemaID: record.ID, Type: model.CredentialTypeSchema, Username: name, Password: password}
	r := *record
	return &r, nil
}

func (c *fakeCatalog) FindSchemaDataByID(_ context.Context, id uuid.UUID) (*model.SchemaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[id]
	if !ok {
		return nil, errdef.NewNotFound("schema not found by id: %s", id)
	}
	r := *record
	return &r, nil
}

func (c *fakeCatalog) FindSchemaDataByName(_ context.Context, name string) (*model.SchemaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.records {
		if record.Active && record.Name == name {
			r := *record
			return &r, nil
		}
	}
	return nil, errdef.NewNotFound("schema not found by name: %q", name)
}

func (c *fakeCatalog) FindSchemaDataByNameIgnoreActive(_ context.Context, name string) (*model.SchemaData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.records {
		if record.Name == name {
			r := *record
			return &r, nil
		}
	}
	return nil, errdef.NewNotFound("schema not found by name: %q", name)
}

func (c *fakeCatalog) filter(keep func(model.SchemaData) bool) []model.SchemaData {
	c.mu.Lock()
	defer c.mu.Unlock()
	var records []model.SchemaData
	for _, record := range c.records {
		if keep(*record) {
			records = append(records, *record)
		}
	}
	return records
}

func (c *fakeCatalog) FindAllActiveSchemaData(_ context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	return c.filter(func(r model.SchemaData) bool { return r.Active && r.SchemaType == schemaType }), nil
}

func (c *fakeCatalog) FindAllSchemaDataIgnoreActive(_ context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	return c.filter(func(r model.SchemaData) bool { return r.SchemaType == schemaType }), nil
}

func (c *fakeCatalog) FindAllActiveSchemaDataByLabels(_ context.Context, schemaType model.SchemaType, labels map[string]string) ([]model.SchemaData, error) {
	c.mu.Lock()
	c.pushdowns = append(c.pushdowns, maps.Clone(labels))
	c.mu.Unlock()

	return c.filter(func(r model.SchemaData) bool {
		if !r.Active || r.SchemaType != schemaType {
			return false
		}
		for name, value := range labels {
			if got, ok := c.labels[r.ID][name]; !ok || got != value {
				return false
			}
		}
		return true
	}), nil
}

func (c *fakeCatalog) FindAllSchemaDataWithExpiredCooldown(_ context.Context, schemaType model.SchemaType, before time.Time) ([]model.SchemaData, error) {
	return c.filter(func(r model.SchemaData) bool {
		return !r.Active && r.SchemaType == schemaType && r.DeleteAfter != nil && r.DeleteAfter.Before(before)
	}), nil
}

func (c *fakeCatalog) FindAllInactiveSchemaData(_ context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	return c.filter(func(r model.SchemaData) bool { return !r.Active && r.SchemaType == schemaType }), nil
}

func (c *fakeCatalog) DeactivateSchemaData(_ context.Context, id uuid.UUID, at, deleteAfter time.Time, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[id]
	if !ok || !record.Active {
		return errdef.NewNotFound("active schema not found by id: %s", id)
	}
	record.Active = false
	record.SetToCooldownAt = &at
	record.DeleteAfter = &deleteAfter
	credential := c.credentials[id]
	credential.Password = password
	c.credentials[id] = credential
	return nil
}

func (c *fakeCatalog) ReactivateSchemaData(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[id]
	if !ok || record.Active {
		return errdef.NewNotFound("inactive schema not found by id: %s", id)
	}
	for _, other := range c.records {
		if other.Active && other.Name == record.Name {
			return errdef.NewDuplicated("an active schema already holds the name of schema %s", id)
		}
	}
	record.Active = true
	record.SetToCooldownAt = nil
	record.DeleteAfter = nil
	return nil
}

func (c *fakeCatalog) DeleteSchemaData(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return errdef.NewNotFound("schema not found by id: %s", id)
	}
	delete(c.records, id)
	delete(c.credentials, id)
	delete(c.labels, id)
	return nil
}

func (c *fakeCatalog) FindAllCredentials(_ context.Context) ([]model.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	credentials := make([]model.Credential, 0, len(c.credentials))
	for _, credential := range c.credentials {
		credentials = append(credentials, credential)
	}
	return credentials, nil
}

func (c *fakeCatalog) FindCredentialsBySchemaIDs(_ context.Context, ids []uuid.UUID) ([]model.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var credentials []model.Credential
	for _, id := range ids {
		if credential, ok := c.credentials[id]; ok {
			credentials = append(credentials, credential)
		}
	}
	return credentials, nil
}

func (c *fakeCatalog) FindAllLabels(_ context.Context) ([]model.Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var labels []model.Label
	for id, m := range c.labels {
		for name, value := range m {
			labels = append(labels, model.Label{SchemaID: id, Name: name, Value: value})
		}
	}
	return labels, nil
}

func (c *fakeCatalog) FindLabelsBySchemaIDs(_ context.Context, ids []uuid.UUID) ([]model.Label, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var labels []model.Label
	for _, id := range ids {
		for name, value := range c.labels[id] {
			labels = append(labels, model.Label{SchemaID: id, Name: name, Value: value})
		}
	}
	return labels, nil
}

func (c *fakeCatalog) ReplaceLabels(_ context.Context, id uuid.UUID, labels map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.labels[id] = maps.Clone(labels)
	return nil
}

func (c *fakeCatalog) credential(id uuid.UUID) model.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credentials[id]
}

func (c *fakeCatalog) record(id uuid.UUID) (model.SchemaData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.records[id]
	if !ok {
		return model.SchemaData{}, false
	}
	return *record, true
}

type fakeCache struct {
	mu          sync.Mutex
	sizes       []model.SchemaSize
	invalidated int
}

func (c *fakeCache) SchemaSizes(_ context.Context) ([]model.SchemaSize, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes, nil
}

func (c *fakeCache) SchemaSize(_ context.Context, name string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, size := range c.sizes {
		if size.Owner == name {
			return size.SizeMB, nil
		}
	}
	return 0, nil
}

func (c *fakeCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

type hook struct {
	mock.Mock
}

func (h *hook) Created(ctx context.Context, schema model.DatabaseSchema) error {
	args := h.Called(ctx, schema)
	return args.Error(0)
}

func (h *hook) Updated(ctx context.Context, schema model.DatabaseSchema) error {
	args := h.Called(ctx, schema)
	return args.Error(0)
}

func (h *hook) Deleted(ctx context.Context, schema model.DatabaseSchema, cooldown time.Duration) error {
	args := h.Called(ctx, schema, cooldown)
	return args.Error(0)
}

func (h *hook) Reactivated(ctx context.Context, schema model.DatabaseSchema) error {
	args := h.Called(ctx, schema)
	return args.Error(0)
}

type fixedGenerator struct {
	name     string
	password string
}

func (g fixedGenerator) Name() (string, error) {
	return g.name, nil
}

func (g fixedGenerator) Password() (string, error) {
	return g.password, nil
}
