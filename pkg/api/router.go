package api

import (
	"github.com/gin-gonic/gin"

	"github.com/unitlink/unitlink/pkg/api/handlers"
	"github.com/unitlink/unitlink/pkg/host"
)

// Router holds the Gin engine and dependencies
type Router struct {
	engine  *gin.Engine
	manager *host.Manager
}

// NewRouter creates a new API router over a session manager
func NewRouter(manager *host.Manager) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	SetupMiddleware(engine)

	router := &Router{
		engine:  engine,
		manager: manager,
	}

	router.setupRoutes()

	return router
}

// setupRoutes configures all API routes
func (r *Router) setupRoutes() {
	// Health check at root
	healthHandler := handlers.NewHealthHandler(r.manager)
	r.engine.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.engine.Group("/api/v1")
	{
		// Health
		v1.GET("/health", healthHandler.Health)

		// Units
		unitsHandler := handlers.NewUnitsHandler(r.manager)
		units := v1.Group("/units")
		{
			units.GET("", unitsHandler.ListUnits)
			units.POST("", unitsHandler.OpenUnit)
			units.DELETE("/:name", unitsHandler.CloseUnit)

			units.GET("/:name/status", unitsHandler.GetStatus)
			units.GET("/:name/capabilities", unitsHandler.GetCapabilities)
			units.POST("/:name/provision/factory", unitsHandler.ProvisionFactory)
			units.POST("/:name/provision/consumer", unitsHandler.ProvisionConsumer)
			units.POST("/:name/tests/run", unitsHandler.RunTests)
			units.POST("/:name/reset", unitsHandler.Reset)
			units.POST("/:name/reboot", unitsHandler.Reboot)
		}
	}
}

// Run starts the HTTP server
func (r *Router) Run(addr string) error {
	return r.engine.Run(addr)
}
