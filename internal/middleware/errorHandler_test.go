package middleware_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := map[string]struct {
		err    error
		status int
	}{
		"BadRequest":        {errdef.NewBadRequest("bad"), http.StatusBadRequest},
		"Configuration":     {errdef.NewConfiguration("missing"), http.StatusBadRequest},
		"OperationDisabled": {errdef.NewOperationDisabled("disabled"), http.StatusForbidden},
		"Duplicated":        {errdef.NewDuplicated("twice"), http.StatusConflict},
		"Conflict":          {errdef.NewConflict("conflict"), http.StatusConflict},
		"NotFound":          {fmt.Errorf("wrapped: %w", errdef.NewNotFound("gone")), http.StatusNotFound},
		"Unreachable":       {errdef.NewUnreachable("down"), http.StatusServiceUnavailable},
		"Consistency":       {errdef.NewConsistency("broken"), http.StatusInternalServerError},
		"Unknown":           {errors.New("boom"), http.StatusInternalServerError},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			engine := gin.New()
			engine.Use(middleware.CorrelationID(), middleware.ErrorHandler())
			engine.GET("/", func(c *gin.Context) {
				_ = c.Error(test.err)
			})

			w := httptest.NewRecorder()
			req, err := http.NewRequest(http.MethodGet, "/", nil)
			require.NoError(t, err)
			engine.ServeHTTP(w, req)

			assert.Equal(t, test.status, w.Code)
			if test.status == http.StatusInternalServerError {
				assert.Contains(t, w.Body.String(), "something went wrong")
				assert.NotContains(t, w.Body.String(), test.err.Error())
			} else {
				assert.Equal(t, test.err.Error(), w.Body.String())
			}
		})
	}
}
