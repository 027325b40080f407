package backend

import (
	"fmt"
	"strings"

	"github.com/dhis2-sre/dbh-manager/pkg/model"
)

// ConnectionStringBuilder builds the JDBC connection string handed out to the consumers of a schema.
type ConnectionStringBuilder interface {
	Build(host string, port int, database string) string
}

// OracleConnectionString points every schema at the same client service.
type OracleConnectionString struct {
	Service string
}

func (b OracleConnectionString) Build(host string, port int, _ string) string {
	return fmt.Sprintf("jdbc:oracle:thin:@%s:%d/%s", host, port, b.Service)
}

type PostgresConnectionString struct{}

func (PostgresConnectionString) Build(host string, port int, database string) string {
	if strings.Contains(host, "azure") {
		return fmt.Sprintf("jdbc:postgresql://%s:%d/%s?ssl=true&sslmode=require", host, port, database)
	}
	return fmt.Sprintf("jdbc:postgresql://%s:%d/%s", host, port, database)
}

func NewConnectionStringBuilder(engine model.Engine, service string) (ConnectionStringBuilder, error) {
	switch engine {
	case model.EngineOracle:
		return OracleConnectionString{Service: service}, nil
	case model.EnginePostgres:
		return PostgresConnectionString{}, nil
	default:
		return nil, fmt.Errorf("unknown database engine %q", engine)
	}
}
