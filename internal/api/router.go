package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/papercast/internal/api/handler"
	"github.com/timmy/papercast/internal/api/middleware"
	"github.com/timmy/papercast/internal/config"
	"github.com/timmy/papercast/internal/logger"
	"github.com/timmy/papercast/internal/pipeline"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	svc *pipeline.Service,
	cfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	// Set Gin mode
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 8 << 20

	r.Use(gin.Recovery())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler("papercast")
	jobHandler := handler.NewJobHandler(svc, cfg.MaxUploadSize)
	taskHandler := handler.NewTaskHandler(svc)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	v1.Use(middleware.RequestLogger(log))
	{
		v1.POST("/jobs", jobHandler.Upload)
		v1.GET("/jobs", jobHandler.List)

		jobs := v1.Group("/jobs/:id")
		{
			jobs.GET("", jobHandler.Get)
			jobs.POST("/restore", jobHandler.Restore)

			// Synchronous stages
			jobs.POST("/extract", jobHandler.Extract)
			jobs.GET("/text", jobHandler.Text)
			jobs.POST("/plan", jobHandler.Plan)
			jobs.GET("/plan", jobHandler.GetPlan)
			jobs.GET("/manifest", jobHandler.Manifest)
			jobs.GET("/usage", jobHandler.Usage)

			// Background stages
			jobs.POST("/generate", taskHandler.Generate)
			jobs.POST("/render", taskHandler.Render)
			jobs.POST("/narrate", taskHandler.Narrate)
			jobs.POST("/assemble", taskHandler.Assemble)
			jobs.GET("/progress", taskHandler.Progress)
			jobs.POST("/cancel", taskHandler.Cancel)

			// Single slides
			jobs.POST("/slides/:unit/generate", jobHandler.GenerateSlide)
			jobs.POST("/slides/:unit/render", jobHandler.RenderSlide)
		}
	}

	return r
}
