// Package schema assembles the DatabaseSchema aggregate out of the catalog, the backend and the
// resource usage of an instance.
package schema

import (
	"strings"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/google/uuid"
)

type connectionStringBuilder interface {
	Build(host string, port int, database string) string
}

func NewBuilder(instance model.InstanceMetaInfo, connection connectionStringBuilder) Builder {
	return Builder{instance: instance, connection: connection}
}

// Builder joins catalog records with backend principals by name and with credentials and labels by
// record id. It has no side effects.
type Builder struct {
	instance   model.InstanceMetaInfo
	connection connectionStringBuilder
}

// CreateMany builds one aggregate per record. Records without a backend principal are left out as
// their storage is gone. The order of records is kept.
func (b Builder) CreateMany(records []model.SchemaData, principals []model.BackendPrincipal, credentials []model.Credential, labels []model.Label, sizes []model.SchemaSize) []model.DatabaseSchema {
	principalsByName := make(map[string]model.BackendPrincipal, len(principals))
	for _, principal := range principals {
		principalsByName[principal.Name] = principal
	}

	credentialsByID := make(map[uuid.UUID][]model.Credential, len(records))
	for _, credential := range credentials {
		credentialsByID[credential.SchemaID] = append(credentialsByID[credential.SchemaID], credential)
	}

	labelsByID := make(map[uuid.UUID][]model.Label, len(records))
	for _, label := range labels {
		labelsByID[label.SchemaID] = append(labelsByID[label.SchemaID], label)
	}

	// owners are matched regardless of case as the backends don't agree on the case of names
	sizesByOwner := make(map[string]float64, len(sizes))
	for _, size := range sizes {
		sizesByOwner[strings.ToLower(size.Owner)] = size.SizeMB
	}

	schemas := make([]model.DatabaseSchema, 0, len(records))
	for _, record := range records {
		principal, ok := principalsByName[record.Name]
		if !ok {
			continue
		}
		schemas = append(schemas, b.CreateOne(record, principal, credentialsByID[record.ID], labelsByID[record.ID], sizesByOwner[strings.ToLower(record.Name)]))
	}
	return schemas
}

// CreateOne builds the aggregate of a single record.
func (b Builder) CreateOne(record model.SchemaData, principal model.BackendPrincipal, credentials []model.Credential, labels []model.Label, sizeMB float64) model.DatabaseSchema {
	return model.DatabaseSchema{
		ID:               record.ID,
		Type:             record.SchemaType,
		Active:           record.Active,
		Instance:         b.instance,
		ConnectionString: b.connection.Build(b.instance.Host, b.instance.Port, record.Name),
		Name:             record.Name,
		CreatedAt:        record.CreatedAt,
		LastUsedAt:       principal.LastLoginAt,
		SetToCooldownAt:  record.SetToCooldownAt,
		DeleteAfter:      record.DeleteAfter,
		SizeMB:           sizeMB,
		Credentials:      ownCredentials(record.ID, credentials),
		Labels:           LabelMap(record.ID, labels),
	}
}

func ownCredentials(id uuid.UUID, credentials []model.Credential) []model.Credential {
	own := make([]model.Credential, 0, len(credentials))
	for _, credential := range credentials {
		if credential.SchemaID == id {
			own = append(own, credential)
		}
	}
	return own
}

// LabelMap collects the labels belonging to the record of given id.
func LabelMap(id uuid.UUID, labels []model.Label) map[string]string {
	m := make(map[string]string, len(labels))
	for _, label := range labels {
		if label.SchemaID == id {
			m[label.Name] = label.Value
		}
	}
	return m
}
