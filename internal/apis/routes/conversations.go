package routes

import (
	"branchtalk-ai/internal/apis/middlewares"
	"branchtalk-ai/internal/di"
	"log"

	"github.com/gin-gonic/gin"
)

func SetupConversationRoutes(router *gin.Engine) {
	conversationHandler, err := di.GetConversationHandler()
	if err != nil {
		log.Fatalf("Failed to get conversation handler: %v", err)
	}

	protected := router.Group("/api/conversations")
	protected.Use(middlewares.AuthMiddleware())
	{
		// Conversation CRUD
		protected.POST("", conversationHandler.Create)
		protected.GET("", conversationHandler.List)
		protected.GET("/:id", conversationHandler.GetByID)
		protected.PATCH("/:id", conversationHandler.Update)
		protected.DELETE("/:id", conversationHandler.Delete)
		protected.POST("/:id/duplicate", conversationHandler.Duplicate)

		// Messages within a conversation
		protected.GET("/:id/messages", conversationHandler.ListMessages)
		protected.POST("/:id/messages", conversationHandler.SendMessage)
		protected.PATCH("/:id/messages/:messageId", conversationHandler.EditMessage)
		protected.POST("/:id/messages/:messageId/regenerate", conversationHandler.RegenerateMessage)
		protected.GET("/:id/messages/:messageId/versions", conversationHandler.ListMessageVersions)
		protected.POST("/:id/messages/:messageId/versions/:versionId/restore", conversationHandler.RestoreMessageVersion)

		// Branch navigation
		protected.GET("/:id/branches", conversationHandler.ListBranches)
		protected.POST("/:id/branches/switch", conversationHandler.SwitchBranch)

		// SSE endpoints for streaming
		protected.GET("/:id/stream", conversationHandler.StreamConversation)
		protected.POST("/:id/stream/cancel", conversationHandler.CancelStream)
	}
}
