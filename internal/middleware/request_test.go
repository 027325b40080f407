package middleware_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dhis2-sre/dbh-manager/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var b bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}))

	engine := gin.New()
	engine.Use(middleware.RequestLogger(logger, "/health"))
	engine.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/instances", func(c *gin.Context) { c.Status(http.StatusOK) })

	serve := func(path string) {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		require.NoError(t, err)
		engine.ServeHTTP(httptest.NewRecorder(), req)
	}

	t.Run("QuietRouteIsLoggedAtDebug", func(t *testing.T) {
		b.Reset()

		serve("/health")

		assert.Empty(t, b.String())
	})

	t.Run("OtherRoutesAreLogged", func(t *testing.T) {
		b.Reset()

		serve("/instances")

		assert.Contains(t, b.String(), `"route":"/instances"`)
		assert.Contains(t, b.String(), `"status":200`)
	})
}
