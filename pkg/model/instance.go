package model

import (
	"fmt"
	"strings"
)

type Engine string

const (
	EngineOracle   Engine = "oracle"
	EnginePostgres Engine = "postgres"
)

func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(s)); e {
	case EngineOracle, EnginePostgres:
		return e, nil
	default:
		return "", fmt.Errorf("unknown database engine %q", s)
	}
}

// InstanceMetaInfo describes one registered backend server. It is immutable once the instance is
// registered.
type InstanceMetaInfo struct {
	Engine              Engine            `json:"engine"`
	InstanceName        string            `json:"instanceName"`
	Host                string            `json:"host"`
	Port                int               `json:"port"`
	CreateSchemaAllowed bool              `json:"createSchemaAllowed"`
	Labels              map[string]string `json:"labels"`
}

// ExternalInstance is the meta info attached to schemas which aren't hosted by any registered
// instance.
var ExternalInstance = InstanceMetaInfo{
	InstanceName: "external",
	Host:         "-",
}
