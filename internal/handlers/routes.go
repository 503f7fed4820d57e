package handlers

import (
	"mohierarchy/internal/middleware"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Handlers bundles every handler group served by the ops surface.
type Handlers struct {
	Health      *HealthHandlers
	Hierarchies *HierarchyHandlers
	Levels      *LevelHandlers
	Children    *ChildrenHandlers
	Events      *EventHandlers
}

// NewServer builds the echo instance with middleware and routes registered.
func NewServer(h Handlers, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(log.Named("http"))

	e.Use(echoMiddleware.Recover())
	e.Use(echoMiddleware.RequestID())
	e.Use(middleware.RequestLogger(log))
	e.Pre(echoMiddleware.RemoveTrailingSlash())

	versions := middleware.NewVersionMiddleware()
	e.Use(versions.APIVersionResolver())

	e.GET("/health", h.Health.HealthCheck)
	e.GET("/health/ready", h.Health.ReadinessCheck)
	e.GET("/health/detailed", h.Health.DetailedHealthCheck)

	v1 := e.Group("/v1")
	v1.Use(versions.VersionHeader("v1"))

	v1.GET("/hierarchies", h.Hierarchies.ListHierarchies)
	v1.POST("/hierarchies", h.Hierarchies.CreateHierarchy)
	v1.GET("/hierarchies/:id", h.Hierarchies.GetHierarchy)
	v1.DELETE("/hierarchies/:id", h.Hierarchies.DeleteHierarchy)
	v1.POST("/hierarchies/:id/rebuild", h.Hierarchies.RebuildHierarchy)

	v1.GET("/hierarchies/:id/levels", h.Levels.ListLevels)
	v1.POST("/hierarchies/:id/levels", h.Levels.CreateLevel)
	v1.PUT("/hierarchies/:id/levels/:level_id", h.Levels.UpdateLevel)
	v1.DELETE("/hierarchies/:id/levels/:level_id", h.Levels.DeleteLevel)

	v1.GET("/hierarchies/:id/children", h.Children.ListChildren)

	v1.POST("/events", h.Events.IngestEvents)
	v1.GET("/hierarchies/:id/stream", h.Events.StreamEvents)

	return e
}
