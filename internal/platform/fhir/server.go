package fhir

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clindata/fhirbridge/internal/platform/auth"
	"github.com/clindata/fhirbridge/pkg/pagination"
)

const fhirContentType = "application/fhir+json"

// Server mounts the REST interactions for every registered resource type on
// an echo group. Routing is generic; per-resource behavior lives entirely in
// the handlers the registry resolves.
type Server struct {
	registry  *HandlerRegistry
	processor *TransactionProcessor
	pipeline  *ExtensionPipeline
	baseURL   string
	version   string
	log       zerolog.Logger
}

func NewServer(registry *HandlerRegistry, processor *TransactionProcessor, pipeline *ExtensionPipeline, baseURL, version string, log zerolog.Logger) *Server {
	return &Server{
		registry:  registry,
		processor: processor,
		pipeline:  pipeline,
		baseURL:   baseURL,
		version:   version,
		log:       log.With().Str("component", "rest").Logger(),
	}
}

// MountRoutes registers the FHIR endpoints on g.
func (s *Server) MountRoutes(g *echo.Group) {
	g.GET("/metadata", s.handleMetadata)
	g.POST("", s.handleBundle)
	g.POST("/", s.handleBundle)
	g.POST("/:type", s.handleCreate)
	g.GET("/:type", s.handleSearch)
	g.GET("/:type/:id", s.handleRead)
	g.PUT("/:type/:id", s.handleUpdate)
	g.DELETE("/:type/:id", s.handleDelete)
	g.GET("/:type/:id/_history", s.handleHistory)
	g.GET("/:type/:id/_history/:vid", s.handleVRead)
}

func (s *Server) conversionContext(c echo.Context) *ConversionContext {
	return NewConversionContext(auth.PrincipalFromContext(c.Request().Context()))
}

func (s *Server) resolve(c echo.Context) (ResourceHandler, error) {
	return s.registry.Resolve(c.Param("type"))
}

func (s *Server) handleMetadata(c echo.Context) error {
	statement := BuildCapabilityStatement(s.registry, "fhirbridge", s.version, s.pipeline.Profiles)
	return c.JSON(http.StatusOK, statement)
}

func (s *Server) handleBundle(c echo.Context) error {
	var bundle Bundle
	if err := c.Bind(&bundle); err != nil {
		return s.fail(c, InvalidDataf("malformed bundle: %v", err))
	}
	cc := s.conversionContext(c)
	response, err := s.processor.Process(c.Request().Context(), cc, &bundle)
	if err != nil {
		return s.fail(c, err)
	}
	return s.json(c, http.StatusOK, response)
}

func (s *Server) handleCreate(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	var resource map[string]any
	if err := c.Bind(&resource); err != nil {
		return s.fail(c, InvalidDataf("malformed resource: %v", err))
	}
	if err := RequireType(resource, handler.ResourceType()); err != nil {
		return s.fail(c, err)
	}
	cc := s.conversionContext(c)
	result, err := handler.Create(c.Request().Context(), cc, resource)
	if err != nil {
		return s.fail(c, err)
	}
	s.versionHeaders(c, result)
	c.Response().Header().Set("Location", s.location(handler.ResourceType(), result))
	return s.json(c, http.StatusCreated, result.Resource)
}

func (s *Server) handleRead(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	cc := s.conversionContext(c)
	result, err := handler.Read(c.Request().Context(), cc, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	s.versionHeaders(c, result)
	if result.Deleted {
		return s.json(c, http.StatusGone, result.Resource)
	}
	return s.json(c, http.StatusOK, result.Resource)
}

func (s *Server) handleVRead(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	cc := s.conversionContext(c)
	result, err := handler.VRead(c.Request().Context(), cc, c.Param("id"), c.Param("vid"))
	if err != nil {
		return s.fail(c, err)
	}
	s.versionHeaders(c, result)
	return s.json(c, http.StatusOK, result.Resource)
}

func (s *Server) handleUpdate(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	var resource map[string]any
	if err := c.Bind(&resource); err != nil {
		return s.fail(c, InvalidDataf("malformed resource: %v", err))
	}
	if err := RequireType(resource, handler.ResourceType()); err != nil {
		return s.fail(c, err)
	}
	cc := s.conversionContext(c)
	result, err := handler.Update(c.Request().Context(), cc, c.Param("id"), resource)
	if err != nil {
		return s.fail(c, err)
	}
	s.versionHeaders(c, result)
	return s.json(c, http.StatusOK, result.Resource)
}

func (s *Server) handleDelete(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	cc := s.conversionContext(c)
	result, err := handler.Delete(c.Request().Context(), cc, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	c.Response().Header().Set("ETag", ETag(result.VersionID))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHistory(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	page := pagination.FromContext(c)
	cc := s.conversionContext(c)
	results, total, err := handler.History(c.Request().Context(), cc, c.Param("id"), page.Count, page.Offset)
	if err != nil {
		return s.fail(c, err)
	}
	bundle := NewHistoryBundle(s.baseURL, handler.ResourceType(), c.Param("id"), results, total)
	return s.json(c, http.StatusOK, bundle)
}

func (s *Server) handleSearch(c echo.Context) error {
	handler, err := s.resolve(c)
	if err != nil {
		return s.fail(c, err)
	}
	page := pagination.FromContext(c)
	params := map[string]string{}
	for k := range c.QueryParams() {
		if k == "_count" || k == "_offset" {
			continue
		}
		params[k] = c.QueryParam(k)
	}
	cc := s.conversionContext(c)
	results, total, err := handler.Query(c.Request().Context(), cc, params, page.Count, page.Offset)
	if err != nil {
		return s.fail(c, err)
	}
	bundle := NewSearchsetBundle(s.baseURL, handler.ResourceType(), results, total, page, params)
	return s.json(c, http.StatusOK, bundle)
}

func (s *Server) versionHeaders(c echo.Context, r *Result) {
	c.Response().Header().Set("ETag", ETag(r.VersionID))
	c.Response().Header().Set("Last-Modified", r.LastModified.UTC().Format(http.TimeFormat))
}

func (s *Server) location(resourceType string, r *Result) string {
	return s.baseURL + "/" + resourceType + "/" + r.ID + "/_history/" + strconv.Itoa(r.VersionID)
}

func (s *Server) json(c echo.Context, status int, body any) error {
	c.Response().Header().Set(echo.HeaderContentType, fhirContentType)
	return c.JSON(status, body)
}

func (s *Server) fail(c echo.Context, err error) error {
	status, outcome := StatusForError(err)
	if status >= 500 {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("path", c.Path()).Int("status", status).Msg("request rejected")
	}
	return s.json(c, status, outcome)
}
