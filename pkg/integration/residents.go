// Package integration holds the hooks keeping systems outside of the database hotel informed about
// schema changes.
package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
)

const unknownResident = "ukjent"

type statementRunner interface {
	Exec(ctx context.Context, statement string, args ...any) error
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
}

func NewResidents(runner statementRunner) *Residents {
	return &Residents{runner: runner, now: time.Now}
}

// Residents keeps the inventory table RESIDENTS.RESIDENTS of an Oracle instance in sync. Every schema
// has an entry naming the user and the service owning it.
type Residents struct {
	runner statementRunner
	now    func() time.Time
}

func (r *Residents) Created(ctx context.Context, schema model.DatabaseSchema) error {
	return r.Updated(ctx, schema)
}

func (r *Residents) Updated(ctx context.Context, schema model.DatabaseSchema) error {
	userID, err := requiredLabel(schema.Labels, "userId")
	if err != nil {
		return err
	}
	service, err := serviceName(schema.Labels)
	if err != nil {
		return err
	}

	if err := r.ensureEntry(ctx, schema.Name); err != nil {
		return err
	}

	err = r.runner.Exec(ctx, "UPDATE RESIDENTS.RESIDENTS SET RESIDENT_EMAIL = :1, RESIDENT_SERVICE = :2 WHERE RESIDENT_NAME = :3", userID, service, schema.Name)
	if err != nil {
		return fmt.Errorf("failed to update resident %q: %w", schema.Name, err)
	}
	return nil
}

func (r *Residents) Deleted(ctx context.Context, schema model.DatabaseSchema, cooldown time.Duration) error {
	if err := r.ensureEntry(ctx, schema.Name); err != nil {
		return err
	}

	removeAfter := r.now().Add(cooldown)
	if schema.DeleteAfter != nil {
		removeAfter = *schema.DeleteAfter
	}
	err := r.runner.Exec(ctx, "UPDATE RESIDENTS.RESIDENTS SET RESIDENT_REMOVE_AFTER = :1 WHERE RESIDENT_NAME = :2", removeAfter, schema.Name)
	if err != nil {
		return fmt.Errorf("failed to set removal date of resident %q: %w", schema.Name, err)
	}
	return nil
}

// Reactivated clears the removal date of the resident.
func (r *Residents) Reactivated(ctx context.Context, schema model.DatabaseSchema) error {
	if err := r.ensureEntry(ctx, schema.Name); err != nil {
		return err
	}

	err := r.runner.Exec(ctx, "UPDATE RESIDENTS.RESIDENTS SET RESIDENT_REMOVE_AFTER = NULL WHERE RESIDENT_NAME = :1", schema.Name)
	if err != nil {
		return fmt.Errorf("failed to clear removal date of resident %q: %w", schema.Name, err)
	}
	return nil
}

func (r *Residents) ensureEntry(ctx context.Context, name string) error {
	rows, err := r.runner.Query(ctx, "SELECT RESIDENT_NAME FROM RESIDENTS.RESIDENTS WHERE RESIDENT_NAME = :1", name)
	if err != nil {
		return fmt.Errorf("failed to find resident %q: %w", name, err)
	}
	if len(rows) > 0 {
		return nil
	}

	err = r.runner.Exec(ctx, "INSERT INTO RESIDENTS.RESIDENTS (RESIDENT_NAME, RESIDENT_EMAIL, RESIDENT_SERVICE) VALUES (:1, :2, :3)", name, unknownResident, unknownResident)
	if err != nil {
		return fmt.Errorf("failed to create resident %q: %w", name, err)
	}
	return nil
}

func serviceName(labels map[string]string) (string, error) {
	parts := make([]any, 0, 4)
	for _, name := range []string{"affiliation", "environment", "application", "name"} {
		value, err := requiredLabel(labels, name)
		if err != nil {
			return "", err
		}
		parts = append(parts, value)
	}
	return fmt.Sprintf("%s/%s/%s/%s", parts...), nil
}

func requiredLabel(labels map[string]string, name string) (string, error) {
	value := labels[name]
	if value == "" {
		return "", errdef.NewBadRequest("%s label is missing", name)
	}
	return value, nil
}
