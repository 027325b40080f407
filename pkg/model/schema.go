package model

import (
	"time"

	"github.com/google/uuid"
)

// DatabaseSchema is assembled from the catalog, the backend and the resource usage on every read.
type DatabaseSchema struct {
	ID               uuid.UUID         `json:"id"`
	Type             SchemaType        `json:"type"`
	Active           bool              `json:"active"`
	Instance         InstanceMetaInfo  `json:"databaseInstance"`
	ConnectionString string            `json:"jdbcUrl"`
	Name             string            `json:"name"`
	CreatedAt        time.Time         `json:"createdDate"`
	LastUsedAt       *time.Time        `json:"lastUsedDate"`
	SetToCooldownAt  *time.Time        `json:"setToCooldownAt,omitempty"`
	DeleteAfter      *time.Time        `json:"deleteAfter,omitempty"`
	SizeMB           float64           `json:"sizeInMb"`
	Credentials      []Credential      `json:"users"`
	Labels           map[string]string `json:"labels"`
}

// LastUsedOrCreatedAt is the age of a schema as far as reclamation is concerned.
func (s DatabaseSchema) LastUsedOrCreatedAt() time.Time {
	if s.LastUsedAt != nil {
		return *s.LastUsedAt
	}
	return s.CreatedAt
}

// IsUnused reports whether nobody has ever logged in to the schema. The age of the schema doesn't
// matter.
func (s DatabaseSchema) IsUnused() bool {
	return s.LastUsedAt == nil
}

func (s DatabaseSchema) Credential(t CredentialType) (Credential, bool) {
	for _, c := range s.Credentials {
		if c.Type == t {
			return c, true
		}
	}
	return Credential{}, false
}

// BackendPrincipal is a login principal as reported by the backend itself.
type BackendPrincipal struct {
	Name        string
	LastLoginAt *time.Time
}

// SchemaSize is a sample of the storage used by one schema.
type SchemaSize struct {
	Owner  string
	SizeMB float64
}
