package hotel_test

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/backend"
	"github.com/dhis2-sre/dbh-manager/pkg/catalog"
	"github.com/dhis2-sre/dbh-manager/pkg/external"
	"github.com/dhis2-sre/dbh-manager/pkg/hotel"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"github.com/dhis2-sre/dbh-manager/pkg/inttest"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
	"github.com/dhis2-sre/dbh-manager/pkg/usage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeDriver struct {
	mu         sync.Mutex
	principals map[string]bool
	passwords  map[string]string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{principals: map[string]bool{}, passwords: map[string]string{}}
}

func (d *fakeDriver) Exists(_ context.Context, name string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.principals[strings.ToUpper(name)], nil
}

func (d *fakeDriver) Create(_ context.Context, name, password string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name = strings.ToUpper(name)
	d.principals[name] = true
	d.passwords[name] = password
	return name, nil
}

func (d *fakeDriver) UpdatePassword(_ context.Context, name, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[strings.ToUpper(name)] = password
	return nil
}

func (d *fakeDriver) FindByName(_ context.Context, name string) (model.BackendPrincipal, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	name = strings.ToUpper(name)
	return model.BackendPrincipal{Name: name}, d.principals[name], nil
}

func (d *fakeDriver) FindAllNonSystem(_ context.Context) ([]model.BackendPrincipal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var principals []model.BackendPrincipal
	for name := range d.principals {
		principals = append(principals, model.BackendPrincipal{Name: name})
	}
	return principals, nil
}

func (d *fakeDriver) Delete(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.principals, strings.ToUpper(name))
	return nil
}

func (d *fakeDriver) SchemaSizes(_ context.Context) ([]model.SchemaSize, error) {
	return nil, nil
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

var _ backend.Driver = (*fakeDriver)(nil)

func newInstance(db *gorm.DB, name, host string, createAllowed bool, driver *fakeDriver) *instance.Instance {
	meta := model.InstanceMetaInfo{
		Engine:              model.EngineOracle,
		InstanceName:        name,
		Host:                host,
		Port:                1521,
		CreateSchemaAllowed: createAllowed,
	}
	return instance.New(
		slog.New(slog.DiscardHandler),
		meta,
		driver,
		catalog.NewRepository(db),
		usage.NewCache(driver, time.Minute),
		schema.NewBuilder(meta, backend.OracleConnectionString{Service: "CLIENT"}),
		instance.Cooldowns{AfterDelete: 30 * 24 * time.Hour, ForUnused: 24 * time.Hour},
		instance.WithConnectionValidator(func(context.Context, model.DatabaseSchema, model.Credential) error { return nil }),
	)
}

func TestHotel(t *testing.T) {
	t.Parallel()

	db := inttest.SetupDB(t)
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	driver := newFakeDriver()
	r := registry.New("ora1")
	require.NoError(t, r.Register(newInstance(db, "ora1", "ora1.local", true, driver)))
	h := hotel.New(logger, r)

	t.Run("RegisterExternalSchemaBeforeBootstrapFinished", func(t *testing.T) {
		_, err := h.RegisterExternalSchema(ctx, external.RegisterRequest{Name: "early", ConnectionString: "jdbc:x", Username: "u"})

		require.Error(t, err)
		assert.True(t, errdef.IsOperationDisabled(err))
	})

	require.NoError(t, r.SetExternalSchemaManager(external.NewManager(logger, catalog.NewRepository(db))))

	managed, err := h.CreateSchema(ctx, registry.Requirements{}, instance.CreateRequest{
		Name:   "app1",
		Labels: map[string]string{"env": "dev", "app": "foo"},
	})
	require.NoError(t, err)
	require.Equal(t, "APP1", managed.Name)

	legacy, err := h.RegisterExternalSchema(ctx, external.RegisterRequest{
		Name:             "legacy",
		ConnectionString: "jdbc:oracle:thin:@legacy:1521/LEGACY",
		Username:         "LEGACY",
		Password:         "secret",
		Labels:           map[string]string{"env": "dev"},
	})
	require.NoError(t, err)

	t.Run("FindSchemaByID", func(t *testing.T) {
		s, err := h.FindSchemaByID(ctx, managed.ID)
		require.NoError(t, err)
		assert.Equal(t, "APP1", s.Name)
		assert.Equal(t, "ora1", s.Instance.InstanceName)

		s, err = h.FindSchemaByID(ctx, legacy.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SchemaTypeExternal, s.Type)

		_, err = h.FindSchemaByID(ctx, uuid.New())
		require.Error(t, err)
		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("FindAllSchemas", func(t *testing.T) {
		schemas, err := h.FindAllSchemas(ctx, "", map[string]string{"env": "dev"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"APP1", "legacy"}, names(schemas))

		schemas, err = h.FindAllSchemas(ctx, "", map[string]string{"env": "prod"})
		require.NoError(t, err)
		assert.Empty(t, schemas)

		schemas, err = h.FindAllSchemas(ctx, model.EngineOracle, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"APP1"}, names(schemas))

		schemas, err = h.FindAllSchemas(ctx, model.EnginePostgres, nil)
		require.NoError(t, err)
		assert.Empty(t, schemas)
	})

	t.Run("UpdateManagedSchema", func(t *testing.T) {
		s, err := h.UpdateSchema(ctx, managed.ID, hotel.UpdateRequest{Labels: map[string]string{"env": "test"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"env": "test"}, s.Labels)

		username := "other"
		_, err = h.UpdateSchema(ctx, managed.ID, hotel.UpdateRequest{Username: &username})
		require.Error(t, err)
		assert.True(t, errdef.IsBadRequest(err))
	})

	t.Run("UpdateExternalSchema", func(t *testing.T) {
		connectionString := "jdbc:oracle:thin:@legacy2:1521/LEGACY"

		s, err := h.UpdateSchema(ctx, legacy.ID, hotel.UpdateRequest{
			Labels:           map[string]string{"env": "dev", "owner": "ops"},
			ConnectionString: &connectionString,
		})

		require.NoError(t, err)
		assert.Equal(t, connectionString, s.ConnectionString)
		assert.Equal(t, map[string]string{"env": "dev", "owner": "ops"}, s.Labels)
	})

	t.Run("ValidateConnection", func(t *testing.T) {
		assert.NoError(t, h.ValidateConnection(ctx, managed.ID))

		err := h.ValidateConnection(ctx, legacy.ID)
		require.Error(t, err)
		assert.True(t, errdef.IsOperationDisabled(err))
	})

	t.Run("DeleteSchemaByID", func(t *testing.T) {
		cooldown := time.Hour

		err := h.DeleteSchemaByID(ctx, managed.ID, &cooldown)
		require.NoError(t, err)
		_, err = h.FindSchemaByID(ctx, managed.ID)
		assert.True(t, errdef.IsNotFound(err))
		assert.True(t, driver.principals["APP1"], "soft delete keeps the backend schema")

		err = h.DeleteSchemaByID(ctx, legacy.ID, nil)
		require.NoError(t, err)
		_, err = h.FindSchemaByID(ctx, legacy.ID)
		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("ReactivateSchema", func(t *testing.T) {
		inactive, err := h.FindAllInactiveSchemas(ctx, map[string]string{"env": "test"})
		require.NoError(t, err)
		assert.Equal(t, []string{"APP1"}, names(inactive))
		require.NotNil(t, inactive[0].DeleteAfter)

		s, err := h.ReactivateSchema(ctx, managed.ID)

		require.NoError(t, err)
		assert.True(t, s.Active)
		assert.Nil(t, s.DeleteAfter)
		credential, ok := s.Credential(model.CredentialTypeSchema)
		require.True(t, ok)
		assert.Equal(t, credential.Password, driver.passwords["APP1"])
		found, err := h.FindSchemaByID(ctx, managed.ID)
		require.NoError(t, err)
		assert.Equal(t, "APP1", found.Name)

		_, err = h.ReactivateSchema(ctx, managed.ID)
		assert.True(t, errdef.IsNotFound(err))
		_, err = h.ReactivateSchema(ctx, legacy.ID)
		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("SharedCatalogIsInconsistent", func(t *testing.T) {
		shared := registry.New("")
		other := newFakeDriver()
		first := newInstance(db, "ora2", "ora2.local", true, other)
		require.NoError(t, shared.Register(first))
		require.NoError(t, shared.Register(newInstance(db, "ora3", "ora3.local", true, other)))
		s, err := first.CreateSchema(ctx, instance.CreateRequest{Name: "twice"})
		require.NoError(t, err)

		_, err = hotel.New(logger, shared).FindSchemaByID(ctx, s.ID)

		require.Error(t, err)
		assert.True(t, errdef.IsConsistency(err))
		assert.ErrorContains(t, err, "ora2.local")
		assert.ErrorContains(t, err, "ora3.local")
	})
}

func names(schemas []model.DatabaseSchema) []string {
	result := make([]string, 0, len(schemas))
	for _, s := range schemas {
		result = append(result, s.Name)
	}
	return result
}
