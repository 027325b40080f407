package registry_test

import (
	"log/slog"
	"testing"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/external"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstance(name, host string, engine model.Engine, createAllowed bool) *instance.Instance {
	return newLabelledInstance(name, host, engine, createAllowed, nil)
}

func newLabelledInstance(name, host string, engine model.Engine, createAllowed bool, labels map[string]string) *instance.Instance {
	meta := model.InstanceMetaInfo{
		Engine:              engine,
		InstanceName:        name,
		Host:                host,
		CreateSchemaAllowed: createAllowed,
		Labels:              labels,
	}
	return instance.New(slog.New(slog.DiscardHandler), meta, nil, nil, nil, schema.Builder{}, instance.Cooldowns{})
}

func TestRegistry_Register(t *testing.T) {
	r := registry.New("")
	require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))

	err := r.Register(newInstance("b", "host-a", model.EngineOracle, true))
	assert.True(t, errdef.IsDuplicated(err))

	err = r.Register(newInstance("a", "host-b", model.EngineOracle, true))
	assert.True(t, errdef.IsDuplicated(err))

	i, ok := r.FindInstanceByHost("host-a")
	require.True(t, ok)
	assert.Equal(t, "a", i.Meta().InstanceName)

	_, err = r.FindInstanceByName("missing")
	assert.True(t, errdef.IsNotFound(err))
}

func TestRegistry_FindInstanceOrFail(t *testing.T) {
	t.Run("NeverPicksCreationDisabledInstance", func(t *testing.T) {
		r := registry.New("")
		a := newInstance("a", "host-a", model.EngineOracle, true)
		require.NoError(t, r.Register(a))
		require.NoError(t, r.Register(newInstance("b", "host-b", model.EngineOracle, false)))

		for range 100 {
			i, err := r.FindInstanceOrFail(registry.Requirements{})
			require.NoError(t, err)
			require.Same(t, a, i)
		}
	})

	t.Run("AllCreationDisabled", func(t *testing.T) {
		r := registry.New("")
		require.NoError(t, r.Register(newInstance("b", "host-b", model.EngineOracle, false)))

		_, err := r.FindInstanceOrFail(registry.Requirements{})

		require.Error(t, err)
		assert.True(t, errdef.IsOperationDisabled(err))
	})

	t.Run("ByName", func(t *testing.T) {
		r := registry.New("")
		b := newInstance("b", "host-b", model.EngineOracle, false)
		require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))
		require.NoError(t, r.Register(b))

		i, err := r.FindInstanceOrFail(registry.Requirements{InstanceName: "b"})
		require.NoError(t, err)
		assert.Same(t, b, i)

		_, err = r.FindInstanceOrFail(registry.Requirements{InstanceName: "c"})
		assert.True(t, errdef.IsNotFound(err))

		_, err = r.FindInstanceOrFail(registry.Requirements{InstanceName: "b", Engine: model.EnginePostgres})
		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("ByEngine", func(t *testing.T) {
		r := registry.New("")
		postgres := newInstance("pg", "host-pg", model.EnginePostgres, true)
		require.NoError(t, r.Register(newInstance("ora", "host-ora", model.EngineOracle, true)))
		require.NoError(t, r.Register(postgres))

		for range 20 {
			i, err := r.FindInstanceOrFail(registry.Requirements{Engine: model.EnginePostgres})
			require.NoError(t, err)
			require.Same(t, postgres, i)
		}
	})
}

func TestRegistry_FindInstanceOrFail_InstanceLabels(t *testing.T) {
	r := registry.New("")
	dev3 := newLabelledInstance("dev3", "host-dev3", model.EngineOracle, true, map[string]string{"affiliation": "paas", "env": "dev"})
	require.NoError(t, r.Register(newLabelledInstance("dev1", "host-dev1", model.EngineOracle, true, map[string]string{"env": "dev"})))
	require.NoError(t, r.Register(newLabelledInstance("dev2", "host-dev2", model.EngineOracle, false, map[string]string{"affiliation": "paas", "env": "dev"})))
	require.NoError(t, r.Register(dev3))

	t.Run("Matching", func(t *testing.T) {
		for range 50 {
			i, err := r.FindInstanceOrFail(registry.Requirements{InstanceLabels: map[string]string{"affiliation": "paas"}})
			require.NoError(t, err)
			require.Same(t, dev3, i)
		}
	})

	t.Run("NoneMatching", func(t *testing.T) {
		_, err := r.FindInstanceOrFail(registry.Requirements{InstanceLabels: map[string]string{"affiliation": "other"}})

		require.Error(t, err)
		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("IgnoredWhenNamed", func(t *testing.T) {
		i, err := r.FindInstanceOrFail(registry.Requirements{InstanceName: "dev1", InstanceLabels: map[string]string{"affiliation": "paas"}})

		require.NoError(t, err)
		assert.Equal(t, "dev1", i.Meta().InstanceName)
	})
}

func TestRegistry_FindDefaultInstance(t *testing.T) {
	t.Run("OnlyInstance", func(t *testing.T) {
		r := registry.New("unrelated")
		a := newInstance("a", "host-a", model.EngineOracle, false)
		require.NoError(t, r.Register(a))

		i, err := r.FindDefaultInstance()

		require.NoError(t, err)
		assert.Same(t, a, i)
	})

	t.Run("Configured", func(t *testing.T) {
		r := registry.New("b")
		b := newInstance("b", "host-b", model.EngineOracle, true)
		require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))
		require.NoError(t, r.Register(b))

		i, err := r.FindDefaultInstance()

		require.NoError(t, err)
		assert.Same(t, b, i)
	})

	t.Run("ConfiguredButNotRegistered", func(t *testing.T) {
		r := registry.New("c")
		require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))
		require.NoError(t, r.Register(newInstance("b", "host-b", model.EngineOracle, true)))

		_, err := r.FindDefaultInstance()

		assert.True(t, errdef.IsNotFound(err))
	})

	t.Run("NotConfigured", func(t *testing.T) {
		r := registry.New("")
		require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))
		require.NoError(t, r.Register(newInstance("b", "host-b", model.EngineOracle, true)))

		_, err := r.FindDefaultInstance()

		assert.True(t, errdef.IsConfiguration(err))
	})
}

func TestRegistry_FindAllInstances(t *testing.T) {
	r := registry.New("")
	require.NoError(t, r.Register(newInstance("b", "host-b", model.EngineOracle, true)))
	require.NoError(t, r.Register(newInstance("a", "host-a", model.EngineOracle, true)))
	require.NoError(t, r.Register(newInstance("pg", "host-pg", model.EnginePostgres, true)))

	var all []string
	for _, i := range r.FindAllInstances("") {
		all = append(all, i.Meta().InstanceName)
	}
	assert.Equal(t, []string{"a", "b", "pg"}, all)
	assert.Len(t, r.FindAllInstances(model.EngineOracle), 2)
}

func TestRegistry_ExternalSchemaManager(t *testing.T) {
	r := registry.New("")
	_, ok := r.ExternalSchemaManager()
	assert.False(t, ok)

	m := external.NewManager(slog.New(slog.DiscardHandler), nil)
	require.NoError(t, r.SetExternalSchemaManager(m))
	err := r.SetExternalSchemaManager(m)
	assert.True(t, errdef.IsConflict(err))

	registered, ok := r.ExternalSchemaManager()
	require.True(t, ok)
	assert.Same(t, m, registered)
}

func TestRegistry_Ready(t *testing.T) {
	r := registry.New("")
	assert.False(t, r.Ready())

	r.MarkReady()

	assert.True(t, r.Ready())
}
