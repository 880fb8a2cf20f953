package routes

import (
	"branchtalk-ai/config"
	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/middleware"
	"net/http"

	"github.com/gin-gonic/gin"
)

func SetupDefaultRoutes(router *gin.Engine) {
	// Add recovery middleware
	router.Use(middleware.CustomRecoveryMiddleware())

	// Health check route
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, dtos.Response{
			Success: true,
			Data: gin.H{
				"status":  "healthy",
				"service": "branchtalk",
				"storage": config.Env.StorageBackend,
			},
		})
	})

	// Setup all route groups
	SetupConversationRoutes(router)
}
