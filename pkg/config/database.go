package config

import (
	"errors"
	"reflect"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/go-playground/validator/v10"
)

// Database configures one backend server.
type Database struct {
	Engine               string            `yaml:"engine" validate:"required,oneof=oracle postgres"`
	InstanceName         string            `yaml:"instanceName" validate:"required"`
	Host                 string            `yaml:"host" validate:"required"`
	Port                 int               `yaml:"port" validate:"gte=0"`
	Username             string            `yaml:"username" validate:"required"`
	Password             string            `yaml:"password" validate:"required"`
	Service              string            `yaml:"service" validate:"required_if=Engine oracle"`
	ClientService        string            `yaml:"clientService" validate:"required_if=Engine oracle"`
	CreateSchemaAllowed  *bool             `yaml:"createSchemaAllowed"`
	OracleScriptRequired bool              `yaml:"oracleScriptRequired"`
	Labels               map[string]string `yaml:"labels"`
	Catalog              *Postgresql       `yaml:"catalog" validate:"required_if=Engine oracle"`
}

// Postgresql locates a catalog for backends which can't host it themselves.
type Postgresql struct {
	Host         string `yaml:"host" validate:"required"`
	Port         int    `yaml:"port" validate:"required"`
	Username     string `yaml:"username" validate:"required"`
	Password     string `yaml:"password" validate:"required"`
	DatabaseName string `yaml:"database" validate:"required"`
}

func (d Database) EngineKind() model.Engine {
	return model.Engine(strings.ToLower(d.Engine))
}

// CreateAllowed defaults to true.
func (d Database) CreateAllowed() bool {
	return d.CreateSchemaAllowed == nil || *d.CreateSchemaAllowed
}

func (d Database) PortOrDefault() int {
	if d.Port != 0 {
		return d.Port
	}
	if d.EngineKind() == model.EngineOracle {
		return 1521
	}
	return 5432
}

func (d Database) MetaInfo() model.InstanceMetaInfo {
	return model.InstanceMetaInfo{
		Engine:              d.EngineKind(),
		InstanceName:        d.InstanceName,
		Host:                d.Host,
		Port:                d.PortOrDefault(),
		CreateSchemaAllowed: d.CreateAllowed(),
		Labels:              d.Labels,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// ValidateDatabases validates every entry and returns one error per missing or invalid field of
// every entry so all problems are reported at once.
func ValidateDatabases(databases []Database) error {
	if len(databases) == 0 {
		return errdef.NewConfiguration("no databases configured")
	}

	var errs []error
	for i, database := range databases {
		err := validate.Struct(database)
		if err == nil {
			continue
		}

		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return err
		}

		for _, fieldError := range validationErrors {
			errs = append(errs, fieldErrorToConfigurationError(i, fieldError))
		}
	}

	return errors.Join(errs...)
}

func fieldErrorToConfigurationError(index int, fieldError validator.FieldError) error {
	field := strings.TrimPrefix(fieldError.Namespace(), "Database.")
	switch fieldError.Tag() {
	case "required", "required_if":
		return errdef.NewConfiguration("required configuration parameter %q missing in configuration of database with index [%d]", field, index)
	default:
		return errdef.NewConfiguration("invalid configuration parameter %q (%s=%s) in configuration of database with index [%d]", field, fieldError.Tag(), fieldError.Param(), index)
	}
}
