// Package registry holds every registered database instance and decides which one serves a request.
package registry

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/external"
	"github.com/dhis2-sre/dbh-manager/pkg/instance"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/schema"
)

func New(defaultInstanceName string) *Registry {
	return &Registry{
		defaultInstanceName: defaultInstanceName,
		byHost:              map[string]*instance.Instance{},
	}
}

// Registry is written to while bootstrapping and mostly read afterwards.
type Registry struct {
	defaultInstanceName string

	mu       sync.RWMutex
	byHost   map[string]*instance.Instance
	external *external.Manager

	ready atomic.Bool
}

// Requirements narrow down the instances a schema may be created on. Empty fields don't restrict
// anything.
type Requirements struct {
	InstanceName string
	Engine       model.Engine
	// InstanceLabels have to be carried by the instance picked at random. They are ignored if an
	// instance is named.
	InstanceLabels map[string]string
}

// Register adds an instance. Hosts and instance names have to be unique.
func (r *Registry) Register(i *instance.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := i.Meta()
	if _, ok := r.byHost[meta.Host]; ok {
		return errdef.NewDuplicated("an instance on host %q is already registered", meta.Host)
	}
	for _, registered := range r.byHost {
		if registered.Meta().InstanceName == meta.InstanceName {
			return errdef.NewDuplicated("an instance named %q is already registered", meta.InstanceName)
		}
	}

	r.byHost[meta.Host] = i
	return nil
}

func (r *Registry) FindInstanceByHost(host string) (*instance.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byHost[host]
	return i, ok
}

func (r *Registry) FindInstanceByName(name string) (*instance.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, i := range r.byHost {
		if i.Meta().InstanceName == name {
			return i, nil
		}
	}
	return nil, errdef.NewNotFound("no instance named %q", name)
}

// FindInstanceOrFail finds the instance named by requirements. Without a name it picks one of the
// instances schemas may be created on and carrying the required instance labels at random.
func (r *Registry) FindInstanceOrFail(requirements Requirements) (*instance.Instance, error) {
	if requirements.InstanceName != "" {
		i, err := r.FindInstanceByName(requirements.InstanceName)
		if err != nil {
			return nil, err
		}
		if requirements.Engine != "" && i.Meta().Engine != requirements.Engine {
			return nil, errdef.NewNotFound("no %s instance named %q", requirements.Engine, requirements.InstanceName)
		}
		return i, nil
	}

	var candidates []*instance.Instance
	for _, i := range r.FindAllInstances(requirements.Engine) {
		if i.Meta().CreateSchemaAllowed {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil, errdef.NewOperationDisabled("schema creation has been disabled for all instances")
	}

	candidates = slices.DeleteFunc(candidates, func(i *instance.Instance) bool {
		return !schema.Matches(i.Meta().Labels, requirements.InstanceLabels)
	})
	if len(candidates) == 0 {
		return nil, errdef.NewNotFound("no instance open for schema creation carries the labels %v", requirements.InstanceLabels)
	}

	return candidates[rand.IntN(len(candidates))], nil
}

// FindDefaultInstance returns the only instance or the one named as default if there are more.
func (r *Registry) FindDefaultInstance() (*instance.Instance, error) {
	r.mu.RLock()
	count := len(r.byHost)
	var only *instance.Instance
	for _, i := range r.byHost {
		only = i
	}
	r.mu.RUnlock()

	if count == 1 {
		return only, nil
	}

	if r.defaultInstanceName == "" {
		return nil, errdef.NewConfiguration("no default instance configured while %d instances are registered", count)
	}

	i, err := r.FindInstanceByName(r.defaultInstanceName)
	if err != nil {
		return nil, errdef.NewNotFound("default instance %q isn't registered", r.defaultInstanceName)
	}
	return i, nil
}

// FindAllInstances lists the instances of given engine ordered by name. An empty engine lists all of
// them.
func (r *Registry) FindAllInstances(engine model.Engine) []*instance.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instances := make([]*instance.Instance, 0, len(r.byHost))
	for _, i := range r.byHost {
		if engine == "" || i.Meta().Engine == engine {
			instances = append(instances, i)
		}
	}
	slices.SortFunc(instances, func(a, b *instance.Instance) int {
		return cmp.Compare(a.Meta().InstanceName, b.Meta().InstanceName)
	})
	return instances
}

// SetExternalSchemaManager registers the manager of external schemas. It can only be set once.
func (r *Registry) SetExternalSchemaManager(m *external.Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.external != nil {
		return errdef.NewConflict("external schema manager already registered")
	}
	r.external = m
	return nil
}

func (r *Registry) ExternalSchemaManager() (*external.Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.external, r.external != nil
}

// MarkReady records that every configured instance has been registered.
func (r *Registry) MarkReady() {
	r.ready.Store(true)
}

func (r *Registry) Ready() bool {
	return r.ready.Load()
}
