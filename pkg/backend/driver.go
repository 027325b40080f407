// Package backend administers schemas on one physical database server. Every engine implements
// [Driver] so nothing above this package has to know which engine it is talking to.
package backend

import (
	"context"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
)

type Driver interface {
	Exists(ctx context.Context, name string) (bool, error)
	// Create allocates storage and a login principal for name. The returned name is the canonical
	// form used by the backend and must be used from then on.
	Create(ctx context.Context, name, password string) (string, error)
	// UpdatePassword rotates the password and unlocks the principal.
	UpdatePassword(ctx context.Context, name, password string) error
	FindByName(ctx context.Context, name string) (model.BackendPrincipal, bool, error)
	// FindAllNonSystem lists principals except the administrative one and system owned ones.
	FindAllNonSystem(ctx context.Context) ([]model.BackendPrincipal, error)
	// Delete terminates every session of the principal and drops it including its storage. It fails
	// with a backend teardown error if sessions can't be terminated.
	Delete(ctx context.Context, name string) error
	SchemaSizes(ctx context.Context) ([]model.SchemaSize, error)
	Execute(ctx context.Context, statements ...string) error
	Exec(ctx context.Context, statement string, args ...any) error
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}
