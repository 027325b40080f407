package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SchemaType string

const (
	SchemaTypeManaged  SchemaType = "MANAGED"
	SchemaTypeExternal SchemaType = "EXTERNAL"
)

// SchemaData is the catalog record of a schema. Records are soft deleted by clearing Active and only
// active names have to be unique.
type SchemaData struct {
	ID              uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	Name            string     `json:"name" gorm:"uniqueIndex:idx_schema_data_active_name,where:active"`
	SchemaType      SchemaType `json:"schemaType" gorm:"index"`
	Active          bool       `json:"active" gorm:"index"`
	SetToCooldownAt *time.Time `json:"setToCooldownAt"`
	DeleteAfter     *time.Time `json:"deleteAfter" gorm:"index"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func (SchemaData) TableName() string {
	return "schema_data"
}

func (s *SchemaData) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

type CredentialType string

const (
	CredentialTypeSchema    CredentialType = "SCHEMA"
	CredentialTypeReadOnly  CredentialType = "READONLY"
	CredentialTypeReadWrite CredentialType = "READWRITE"
)

// Credential is stored in clear text as consumers need it to connect to their schema.
type Credential struct {
	ID       uuid.UUID      `json:"id" gorm:"primaryKey;type:uuid"`
	SchemaID uuid.UUID      `json:"-" gorm:"type:uuid;index"`
	Type     CredentialType `json:"type"`
	Username string         `json:"username"`
	Password string         `json:"password"`
}

func (Credential) TableName() string {
	return "users"
}

func (c *Credential) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

type Label struct {
	ID       uuid.UUID `json:"-" gorm:"primaryKey;type:uuid"`
	SchemaID uuid.UUID `json:"-" gorm:"type:uuid;uniqueIndex:idx_labels_schema_name"`
	Name     string    `json:"name" gorm:"uniqueIndex:idx_labels_schema_name"`
	Value    string    `json:"value"`
}

func (Label) TableName() string {
	return "labels"
}

func (l *Label) BeforeCreate(_ *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// ExternalSchema binds a schema of type EXTERNAL to the connection string it was registered with.
type ExternalSchema struct {
	ID               uuid.UUID `json:"-" gorm:"primaryKey;type:uuid"`
	SchemaID         uuid.UUID `json:"-" gorm:"type:uuid;uniqueIndex"`
	ConnectionString string    `json:"connectionString" gorm:"column:jdbc_url"`
	CreatedAt        time.Time `json:"createdAt"`
}

func (ExternalSchema) TableName() string {
	return "external_schema"
}

func (e *ExternalSchema) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
