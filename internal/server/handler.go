package server

import (
	"net/http"
	"strings"

	"github.com/dhis2-sre/dbh-manager/internal/errdef"
	"github.com/dhis2-sre/dbh-manager/pkg/hotel"
	"github.com/dhis2-sre/dbh-manager/pkg/model"
	"github.com/dhis2-sre/dbh-manager/pkg/registry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func NewHandler(registry *registry.Registry, hotel *hotel.Hotel) Handler {
	return Handler{registry: registry, hotel: hotel}
}

type Handler struct {
	registry *registry.Registry
	hotel    *hotel.Hotel
}

type healthResponse struct {
	Status string `json:"status"`
}

// Health reports whether every configured instance is registered.
func (h Handler) Health(c *gin.Context) {
	if !h.registry.Ready() {
		c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "starting"})
		return
	}
	c.JSON(http.StatusOK, healthResponse{Status: "up"})
}

// FindAllInstances lists the registered instances, optionally of the engine given as query parameter.
func (h Handler) FindAllInstances(c *gin.Context) {
	engine, err := engineQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	instances := h.registry.FindAllInstances(engine)
	metas := make([]model.InstanceMetaInfo, 0, len(instances))
	for _, i := range instances {
		metas = append(metas, i.Meta())
	}
	c.JSON(http.StatusOK, metas)
}

// FindAllSchemas lists the schemas matching every label=name:value query parameter.
func (h Handler) FindAllSchemas(c *gin.Context) {
	engine, err := engineQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	labels, err := labelQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	schemas, err := h.hotel.FindAllSchemas(c.Request.Context(), engine, labels)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newSchemaResponses(schemas))
}

// FindAllInactiveSchemas lists the schemas in cooldown matching every label=name:value query
// parameter.
func (h Handler) FindAllInactiveSchemas(c *gin.Context) {
	labels, err := labelQuery(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	schemas, err := h.hotel.FindAllInactiveSchemas(c.Request.Context(), labels)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newSchemaResponses(schemas))
}

func (h Handler) FindAllSchemasForDeletion(c *gin.Context) {
	schemas, err := h.hotel.FindAllSchemasForDeletion(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newSchemaResponses(schemas))
}

func (h Handler) FindSchemaByID(c *gin.Context) {
	id, err := idParameter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	schema, err := h.hotel.FindSchemaByID(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, newSchemaResponse(schema))
}

// ValidateConnection logs in to a managed schema with its stored credential.
func (h Handler) ValidateConnection(c *gin.Context) {
	id, err := idParameter(c)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if err := h.hotel.ValidateConnection(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func labelQuery(c *gin.Context) (map[string]string, error) {
	labels := map[string]string{}
	for _, label := range c.QueryArray("label") {
		name, value, _ := strings.Cut(label, ":")
		if name == "" {
			return nil, errdef.NewBadRequest("invalid label filter %q", label)
		}
		labels[name] = value
	}
	return labels, nil
}

func engineQuery(c *gin.Context) (model.Engine, error) {
	value := c.Query("engine")
	if value == "" {
		return "", nil
	}

	engine, err := model.ParseEngine(value)
	if err != nil {
		return "", errdef.NewBadRequest("%v", err)
	}
	return engine, nil
}

func idParameter(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, errdef.NewBadRequest("invalid schema id %q: %v", c.Param("id"), err)
	}
	return id, nil
}
