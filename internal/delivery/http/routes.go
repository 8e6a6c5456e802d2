package http

import (
	"github.com/gin-gonic/gin"

	"github.com/pharmalens/backend/config"
	"github.com/pharmalens/backend/internal/platform/logger"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(cfg *config.Config, handler *Handler, log *logger.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RecoveryMiddleware())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware(log))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimit.PerIP))
	{
		buyers := v1.Group("/buyers")
		{
			buyers.GET("", handler.ListBuyers)
			buyers.POST("/search", handler.SearchBuyers)
		}

		manufacturers := v1.Group("/manufacturers")
		{
			manufacturers.GET("", handler.ListManufacturers)
			manufacturers.POST("/discover", handler.DiscoverManufacturers)
		}

		v1.GET("/records/export", handler.ExportRecords)
	}

	return router
}
