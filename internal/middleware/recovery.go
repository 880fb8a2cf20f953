package middleware

import (
	"branchtalk-ai/internal/apis/dtos"
	"branchtalk-ai/internal/di"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var recoveryLog *zap.SugaredLogger

// CustomRecoveryMiddleware handles panics and returns a proper response DTO
func CustomRecoveryMiddleware() gin.HandlerFunc {
	if recoveryLog == nil {
		if err := di.DiContainer.Invoke(func(l *zap.SugaredLogger) {
			recoveryLog = l
		}); err != nil {
			log.Fatalf("Failed to provide logger: %v", err)
		}
	}

	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				recoveryLog.Errorf("Recovery from panic: %v\nStack Trace:\n%s", err, string(debug.Stack()))

				errorMsg := "Internal Server Error"
				if gin.IsDebugging() {
					errorMsg = fmt.Sprintf("Internal Server Error: %v", err)
				}

				c.AbortWithStatusJSON(500, dtos.Response{
					Success: false,
					Error:   &errorMsg,
					Data:    nil,
				})
			}
		}()
		c.Next()
	}
}
