package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statement struct {
	statement string
	args      []any
}

type fakeRunner struct {
	residents map[string]bool
	execs     []statement
	queryErr  error
}

func (r *fakeRunner) Exec(_ context.Context, s string, args ...any) error {
	r.execs = append(r.execs, statement{statement: s, args: args})
	return nil
}

func (r *fakeRunner) Query(_ context.Context, _ string, args ...any) ([]map[string]any, error) {
	if r.queryErr != nil {
		return nil, r.queryErr
	}
	name := args[0].(string)
	if r.residents[name] {
		return []map[string]any{{"RESIDENT_NAME": name}}, nil
	}
	return nil, nil
}

func labelledSchema() model.DatabaseSchema {
	return model.DatabaseSchema{
		Name: "ABCDEF",
		Labels: map[string]string{
			"userId":      "jane",
			"affiliation": "team",
			"environment": "test",
			"application": "app",
			"name":        "api",
		},
	}
}

func TestResidents(t *testing.T) {
	t.Run("CreatedInsertsAndUpdates", func(t *testing.T) {
		runner := &fakeRunner{}
		residents := NewResidents(runner)

		err := residents.Created(context.Background(), labelledSchema())

		require.NoError(t, err)
		require.Len(t, runner.execs, 2)
		assert.Contains(t, runner.execs[0].statement, "INSERT INTO RESIDENTS.RESIDENTS")
		assert.Equal(t, []any{"ABCDEF", "ukjent", "ukjent"}, runner.execs[0].args)
		assert.Contains(t, runner.execs[1].statement, "SET RESIDENT_EMAIL = :1, RESIDENT_SERVICE = :2")
		assert.Equal(t, []any{"jane", "team/test/app/api", "ABCDEF"}, runner.execs[1].args)
	})

	t.Run("UpdatedExistingResident", func(t *testing.T) {
		runner := &fakeRunner{residents: map[string]bool{"ABCDEF": true}}
		residents := NewResidents(runner)

		err := residents.Updated(context.Background(), labelledSchema())

		require.NoError(t, err)
		require.Len(t, runner.execs, 1)
		assert.Contains(t, runner.execs[0].statement, "UPDATE RESIDENTS.RESIDENTS")
	})

	t.Run("MissingLabel", func(t *testing.T) {
		runner := &fakeRunner{}
		residents := NewResidents(runner)
		schema := labelledSchema()
		delete(schema.Labels, "environment")

		err := residents.Updated(context.Background(), schema)

		require.Error(t, err)
		assert.True(t, errdef.IsBadRequest(err))
		assert.ErrorContains(t, err, "environment label is missing")
		assert.Empty(t, runner.execs)
	})

	t.Run("DeletedSetsRemovalDate", func(t *testing.T) {
		runner := &fakeRunner{residents: map[string]bool{"ABCDEF": true}}
		residents := NewResidents(runner)
		now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		residents.now = func() time.Time { return now }

		err := residents.Deleted(context.Background(), model.DatabaseSchema{Name: "ABCDEF"}, 48*time.Hour)

		require.NoError(t, err)
		require.Len(t, runner.execs, 1)
		assert.Contains(t, runner.execs[0].statement, "SET RESIDENT_REMOVE_AFTER = :1")
		assert.Equal(t, []any{now.Add(48 * time.Hour), "ABCDEF"}, runner.execs[0].args)
	})

	t.Run("DeletedUsesRecordedDeleteAfter", func(t *testing.T) {
		runner := &fakeRunner{residents: map[string]bool{"ABCDEF": true}}
		residents := NewResidents(runner)
		deleteAfter := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

		err := residents.Deleted(context.Background(), model.DatabaseSchema{Name: "ABCDEF", DeleteAfter: &deleteAfter}, 48*time.Hour)

		require.NoError(t, err)
		require.Len(t, runner.execs, 1)
		assert.Equal(t, []any{deleteAfter, "ABCDEF"}, runner.execs[0].args)
	})

	t.Run("ReactivatedClearsRemovalDate", func(t *testing.T) {
		runner := &fakeRunner{residents: map[string]bool{"ABCDEF": true}}
		residents := NewResidents(runner)

		err := residents.Reactivated(context.Background(), model.DatabaseSchema{Name: "ABCDEF"})

		require.NoError(t, err)
		require.Len(t, runner.execs, 1)
		assert.Contains(t, runner.execs[0].statement, "SET RESIDENT_REMOVE_AFTER = NULL")
		assert.Equal(t, []any{"ABCDEF"}, runner.execs[0].args)
	})

	t.Run("QueryFails", func(t *testing.T) {
		runner := &fakeRunner{queryErr: errors.New("ORA-00942")}
		residents := NewResidents(runner)

		err := residents.Deleted(context.Background(), model.DatabaseSchema{Name: "ABCDEF"}, time.Hour)

		require.ErrorContains(t, err, "ORA-00942")
		assert.Empty(t, runner.execs)
	})
}
