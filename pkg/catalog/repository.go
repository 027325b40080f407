// Package catalog persists schema metadata, credentials and labels of one database instance.
// Managed schemas are only ever soft deleted by the orchestrator. Hard deletes are reserved for
// external schemas and for purging schemas whose cooldown expired.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

//goland:noinspection GoExportedFuncWithUnexportedType
func NewRepository(db *gorm.DB) *repository {
	return &repository{db: db}
}

type repository struct {
	db *gorm.DB
}

// CreateManagedSchema creates the catalog record of a managed schema together with its SCHEMA
// credential.
func (r repository) CreateManagedSchema(ctx context.Context, name, password string) (*model.SchemaData, error) {
	// only use ctx for values (logging) and not cancellation signals on cud operations for now. ctx
	// cancellation can lead to rollbacks which we should decide individually.
	ctx = context.WithoutCancel(ctx)

	schema := &model.SchemaData{
		Name:       name,
		SchemaType: model.SchemaTypeManaged,
		Active:     true,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createSchemaData(tx, schema); err != nil {
			return err
		}

		return tx.Create(&model.Credential{
			SchemaID: schema.ID,
			Type:     model.CredentialTypeSchema,
			Username: name,
			Password: password,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return schema, nil
}

// RegisterExternalSchema creates the catalog record of an external schema together with its
// connection string, credential and labels.
func (r repository) RegisterExternalSchema(ctx context.Context, name, connectionString, username, password string, labels map[string]string) (*model.SchemaData, error) {
	ctx = context.WithoutCancel(ctx)

	schema := &model.SchemaData{
		Name:       name,
		SchemaType: model.SchemaTypeExternal,
		Active:     true,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := createSchemaData(tx, schema); err != nil {
			return err
		}

		err := tx.Create(&model.ExternalSchema{
			SchemaID:         schema.ID,
			ConnectionString: connectionString,
		}).Error
		if err != nil {
			return err
		}

		err = tx.Create(&model.Credential{
			SchemaID: schema.ID,
			Type:     model.CredentialTypeSchema,
			Username: username,
			Password: password,
		}).Error
		if err != nil {
			return err
		}

		return replaceLabels(tx, schema.ID, labels)
	})
	if err != nil {
		return nil, err
	}

	return schema, nil
}

func createSchemaData(tx *gorm.DB, schema *model.SchemaData) error {
	err := tx.Create(schema).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errdef.NewDuplicated("schema %q already exists", schema.Name)
	}
	return err
}

// FindSchemaDataByID finds a record regardless of its type or whether it is active.
func (r repository) FindSchemaDataByID(ctx context.Context, id uuid.UUID) (*model.SchemaData, error) {
	var schema *model.SchemaData
	err := r.db.WithContext(ctx).First(&schema, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NewNotFound("schema not found by id: %s", id)
	}
	return schema, err
}

// FindSchemaDataByName finds the active record of given name.
func (r repository) FindSchemaDataByName(ctx context.Context, name string) (*model.SchemaData, error) {
	var schema *model.SchemaData
	err := r.db.WithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		First(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NewNotFound("schema not found by name: %q", name)
	}
	return schema, err
}

// FindSchemaDataByNameIgnoreActive finds the most recent record of given name.
func (r repository) FindSchemaDataByNameIgnoreActive(ctx context.Context, name string) (*model.SchemaData, error) {
	var schema *model.SchemaData
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Order("active DESC, created_at DESC").
		First(&schema).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NewNotFound("schema not found by name: %q", name)
	}
	return schema, err
}

func (r repository) FindAllActiveSchemaData(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	var schemas []model.SchemaData
	err := r.db.WithContext(ctx).
		Where("schema_type = ? AND active = ?", schemaType, true).
		Order("name").
		Find(&schemas).Error
	return schemas, err
}

func (r repository) FindAllSchemaDataIgnoreActive(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	var schemas []model.SchemaData
	err := r.db.WithContext(ctx).
		Where("schema_type = ?", schemaType).
		Order("name").
		Find(&schemas).Error
	return schemas, err
}

// FindAllActiveSchemaDataByLabels finds active records of given type carrying every one of given
// labels. An empty set of labels matches every record.
func (r repository) FindAllActiveSchemaDataByLabels(ctx context.Context, schemaType model.SchemaType, labels map[string]string) ([]model.SchemaData, error) {
	if len(labels) == 0 {
		return r.FindAllActiveSchemaData(ctx, schemaType)
	}

	pairs := make([][]any, 0, len(labels))
	for name, value := range labels {
		pairs = append(pairs, []any{name, value})
	}

	matching := r.db.
		Model(&model.Label{}).
		Select("schema_id").
		Where("(name, value) IN ?", pairs).
		Group("schema_id").
		Having("count(*) = ?", len(pairs))

	var schemas []model.SchemaData
	err := r.db.WithContext(ctx).
		Where("schema_type = ? AND active = ?", schemaType, true).
		Where("id IN (?)", matching).
		Order("name").
		Find(&schemas).Error
	return schemas, err
}

// FindAllSchemaDataWithExpiredCooldown finds deactivated records of given type whose cooldown ended
// before given time.
func (r repository) FindAllSchemaDataWithExpiredCooldown(ctx context.Context, schemaType model.SchemaType, before time.Time) ([]model.SchemaData, error) {
	var schemas []model.SchemaData
	err := r.db.WithContext(ctx).
		Where("schema_type = ? AND active = ? AND delete_after < ?", schemaType, false, before).
		Order("delete_after").
		Find(&schemas).Error
	return schemas, err
}

// DeactivateSchemaData soft deletes a record at given time and rotates the password of its SCHEMA
// credential in one transaction.
func (r repository) DeactivateSchemaData(ctx context.Context, id uuid.UUID, at, deleteAfter time.Time, password string) error {
	ctx = context.WithoutCancel(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Model(&model.SchemaData{}).
			Where("id = ? AND active = ?", id, true).
			Updates(map[string]any{
				"active":             false,
				"set_to_cooldown_at": at,
				"delete_after":       deleteAfter,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected < 1 {
			return errdef.NewNotFound("active schema not found by id: %s", id)
		}

		return updateSchemaCredential(tx, id, map[string]any{"password": password})
	})
}

// FindAllInactiveSchemaData finds the records of given type in cooldown.
func (r repository) FindAllInactiveSchemaData(ctx context.Context, schemaType model.SchemaType) ([]model.SchemaData, error) {
	var schemas []model.SchemaData
	err := r.db.WithContext(ctx).
		Where("schema_type = ? AND active = ?", schemaType, false).
		Order("name").
		Find(&schemas).Error
	return schemas, err
}

// ReactivateSchemaData brings a record back from cooldown. Reactivating fails with a duplicated
// error if an active record took the name in the meantime.
func (r repository) ReactivateSchemaData(ctx context.Context, id uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)

	result := r.db.WithContext(ctx).
		Model(&model.SchemaData{}).
		Where("id = ? AND active = ?", id, false).
		Updates(map[string]any{
			"active":             true,
			"set_to_cooldown_at": nil,
			"delete_after":       nil,
		})
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return errdef.NewDuplicated("an active schema already holds the name of schema %s", id)
	}
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected < 1 {
		return errdef.NewNotFound("inactive schema not found by id: %s", id)
	}
	return nil
}

// DeleteSchemaData removes a record and everything belonging to it.
func (r repository) DeleteSchemaData(ctx context.Context, id uuid.UUID) error {
	ctx = context.WithoutCancel(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, dependent := range []any{&model.Label{}, &model.Credential{}, &model.ExternalSchema{}} {
			if err := tx.Where("schema_id = ?", id).Delete(dependent).Error; err != nil {
				return err
			}
		}

		result := tx.Delete(&model.SchemaData{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected < 1 {
			return errdef.NewNotFound("schema not found by id: %s", id)
		}
		return nil
	})
}

func (r repository) FindAllCredentials(ctx context.Context) ([]model.Credential, error) {
	var credentials []model.Credential
	err := r.db.WithContext(ctx).Find(&credentials).Error
	return credentials, err
}

func (r repository) FindCredentialsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Credential, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var credentials []model.Credential
	err := r.db.WithContext(ctx).Where("schema_id IN ?", ids).Find(&credentials).Error
	return credentials, err
}

func updateSchemaCredential(tx *gorm.DB, schemaID uuid.UUID, values map[string]any) error {
	result := tx.
		Model(&model.Credential{}).
		Where("schema_id = ? AND type = ?", schemaID, model.CredentialTypeSchema).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected < 1 {
		return errdef.NewNotFound("credential not found by schema id: %s", schemaID)
	}
	return nil
}

func (r repository) FindAllLabels(ctx context.Context) ([]model.Label, error) {
	var labels []model.Label
	err := r.db.WithContext(ctx).Find(&labels).Error
	return labels, err
}

func (r repository) FindLabelsBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.Label, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var labels []model.Label
	err := r.db.WithContext(ctx).Where("schema_id IN ?", ids).Find(&labels).Error
	return labels, err
}

// ReplaceLabels deletes every label of a schema and inserts given ones in their place.
func (r repository) ReplaceLabels(ctx context.Context, schemaID uuid.UUID, labels map[string]string) error {
	ctx = context.WithoutCancel(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceLabels(tx, schemaID, labels)
	})
}

func replaceLabels(tx *gorm.DB, schemaID uuid.UUID, labels map[string]string) error {
	if err := tx.Where("schema_id = ?", schemaID).Delete(&model.Label{}).Error; err != nil {
		return err
	}

	if len(labels) == 0 {
		return nil
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	slices.Sort(names)

	rows := make([]model.Label, 0, len(labels))
	for _, name := range names {
		rows = append(rows, model.Label{SchemaID: schemaID, Name: name, Value: labels[name]})
	}
	return tx.Create(&rows).Error
}

func (r repository) FindExternalSchemaBySchemaID(ctx context.Context, schemaID uuid.UUID) (*model.ExternalSchema, error) {
	var external *model.ExternalSchema
	err := r.db.WithContext(ctx).First(&external, "schema_id = ?", schemaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NewNotFound("external schema not found by schema id: %s", schemaID)
	}
	return external, err
}

func (r repository) FindExternalSchemasBySchemaIDs(ctx context.Context, ids []uuid.UUID) ([]model.ExternalSchema, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var externals []model.ExternalSchema
	err := r.db.WithContext(ctx).Where("schema_id IN ?", ids).Find(&externals).Error
	return externals, err
}

// ExternalSchemaUpdate holds the connection details of an external schema to change. Nil fields
// are left as they are.
type ExternalSchemaUpdate struct {
	Username         *string
	ConnectionString *string
	Password         *string
}

func (r repository) UpdateExternalSchema(ctx context.Context, schemaID uuid.UUID, update ExternalSchemaUpdate) error {
	ctx = context.WithoutCancel(ctx)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if update.ConnectionString != nil {
			result := tx.
				Model(&model.ExternalSchema{}).
				Where("schema_id = ?", schemaID).
				Update("jdbc_url", *update.ConnectionString)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected < 1 {
				return errdef.NewNotFound("external schema not found by schema id: %s", schemaID)
			}
		}

		values := map[string]any{}
		if update.Username != nil {
			values["username"] = *update.Username
		}
		if update.Password != nil {
			values["password"] = *update.Password
		}
		if len(values) == 0 {
			return nil
		}

		if err := updateSchemaCredential(tx, schemaID, values); err != nil {
			return fmt.Errorf("failed to update credential: %w", err)
		}
		return nil
	})
}
