package server

import (
	"log/slog"

	"github.com/dhis2-sre/dbh-manager/internal/middleware"
	"github.com/dhis2-sre/dbh-manager/pkg/hotel"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "dbh-manager"

func GetEngine(logger *slog.Logger, basePath string, registry *registry.Registry, hotel *hotel.Hotel) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowCredentials = true
	corsConfig.AddAllowHeaders("authorization")
	r.Use(cors.New(corsConfig))

	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.RequestLogger(logger, basePath+"/health"))
	r.Use(middleware.ErrorHandler())

	handler := NewHandler(registry, hotel)

	router := r.Group(basePath)
	router.GET("/health", handler.Health)
	router.GET("/instances", handler.FindAllInstances)

	router.GET("/schemas", handler.FindAllSchemas)
	router.GET("/schemas/deletion-candidates", handler.FindAllSchemasForDeletion)
	router.GET("/schemas/inactive", handler.FindAllInactiveSchemas)
	router.GET("/schemas/:id", handler.FindSchemaByID)
	router.POST("/schemas/:id/validate", handler.ValidateConnection)

	return r
}
