package sessionkit

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestTimeout bounds every downstream call made while serving a request.
func RequestTimeout(timeout time.Duration) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if timeout <= 0 {
			contextGin.Next()
			return
		}
		boundedContext, cancel := context.WithTimeout(contextGin.Request.Context(), timeout)
		defer cancel()
		contextGin.Request = contextGin.Request.WithContext(boundedContext)
		contextGin.Next()
	}
}

// AccessLog writes one structured line per request.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("code", "http.request"),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.FullPath()),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}
