package instance

import (
	"context"
	"time"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
)

// Hook is notified about every change to the schemas of an instance. The schema passed is a
// snapshot which must not be used once the call returned.
type Hook interface {
	Created(ctx context.Context, schema model.DatabaseSchema) error
	Updated(ctx context.Context, schema model.DatabaseSchema) error
	Deleted(ctx context.Context, schema model.DatabaseSchema, cooldown time.Duration) error
	Reactivated(ctx context.Context, schema model.DatabaseSchema) error
}

func (i *Instance) created(ctx context.Context, schema model.DatabaseSchema) error {
	for _, hook := range i.hooks {
		if err := hook.Created(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) updated(ctx context.Context, schema model.DatabaseSchema) error {
	for _, hook := range i.hooks {
		if err := hook.Updated(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) deleted(ctx context.Context, schema model.DatabaseSchema, cooldown time.Duration) error {
	for _, hook := range i.hooks {
		if err := hook.Deleted(ctx, schema, cooldown); err != nil {
			return err
		}
	}
	return nil
}

func (i *Instance) reactivated(ctx context.Context, schema model.DatabaseSchema) error {
	for _, hook := range i.hooks {
		if err := hook.Reactivated(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}
