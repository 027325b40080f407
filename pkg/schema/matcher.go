package schema

import "github.com/dhis2-sre/dbh-manager/pkg/model"

// Matches reports whether labels hold the exact value of every entry of filter. A filter entry with
// an empty value also matches a missing label. Any labels match an empty filter.
func Matches(labels, filter map[string]string) bool {
	for name, want := range filter {
		if labels[name] != want {
			return false
		}
	}
	return true
}

// Filter keeps the schemas whose labels match filter.
func Filter(schemas []model.DatabaseSchema, filter map[string]string) []model.DatabaseSchema {
	if len(filter) == 0 {
		return schemas
	}

	matching := make([]model.DatabaseSchema, 0, len(schemas))
	for _, schema := range schemas {
		if Matches(schema.Labels, filter) {
			matching = append(matching, schema)
		}
	}
	return matching
}
