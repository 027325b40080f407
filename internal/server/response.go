package server

import "github.com/dhis2-sre/dbh-manager/pkg/model"

// credentialResponse leaves out the password since nothing in front of this API authenticates
// callers.
type credentialResponse struct {
	Type     model.CredentialType `json:"type"`
	Username string               `json:"username"`
}

// schemaResponse shadows the credentials of the embedded schema.
type schemaResponse struct {
	model.DatabaseSchema
	Credentials []credentialResponse `json:"users"`
}

func newSchemaResponse(s model.DatabaseSchema) schemaResponse {
	credentials := make([]credentialResponse, 0, len(s.Credentials))
	for _, c := range s.Credentials {
		credentials = append(credentials, credentialResponse{Type: c.Type, Username: c.Username})
	}
	return schemaResponse{DatabaseSchema: s, Credentials: credentials}
}

func newSchemaResponses(schemas []model.DatabaseSchema) []schemaResponse {
	responses := make([]schemaResponse, 0, len(schemas))
	for _, s := range schemas {
		responses = append(responses, newSchemaResponse(s))
	}
	return responses
}
