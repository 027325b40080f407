package tracing_test

import (
	"context"
	"testing"

	"github.com/dhis2-sre/dbh-manager/pkg/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallWithoutEndpoint(t *testing.T) {
	shutdown, err := tracing.Install("")

	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
