package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sessionbroker/broker/internal/common/errors"
	"github.com/sessionbroker/broker/internal/common/logger"
)

// RequestLogger assigns a request id and logs completion.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := uuid.New().String()
		c.Set(string(logger.RequestIDKey), requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		log.Info("request completed",
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", requestID),
		)
	}
}

// ErrorHandler renders the last error recorded on the gin context as the
// shared Envelope, the single place every handler's fail(c, err) resolves
// to a response.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("request deadline exceeded", zap.Error(err))
			writeErrorEnvelope(c, apperrors.DeadlineExceeded("request deadline exceeded"), nil)
			return
		}

		if appErr, isAppErr := asAppError(err); isAppErr {
			log.Warn("request error", zap.String("code", appErr.Code), zap.String("message", appErr.Message))
			writeErrorEnvelope(c, appErr, nil)
			return
		}

		log.Error("internal server error", zap.Error(err))
		writeErrorEnvelope(c, apperrors.Internal("an internal error occurred", err), nil)
	}
}

// Recovery turns a panic into a 500 Envelope instead of a crashed process.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, Envelope{
					Success: false, Message: "an internal error occurred", ErrorCode: apperrors.CodeInternal,
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin calls from RPA worker fleets and bot dashboards.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", "X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimit throttles requests with a token bucket. Bot task producers and
// the RPA worker fleet all share one process-local limiter; a distributed
// limiter would be needed behind a second broker replica.
func RateLimit(requestsPerSecond int) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		tokens   = float64(requestsPerSecond)
		lastTime = time.Now()
	)

	return func(c *gin.Context) {
		mu.Lock()

		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()
		lastTime = now

		tokens += elapsed * float64(requestsPerSecond)
		if tokens > float64(requestsPerSecond) {
			tokens = float64(requestsPerSecond)
		}

		if tokens < 1 {
			mu.Unlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Envelope{
				Success: false, Message: "too many requests, please try again later", ErrorCode: "RATE_LIMIT_EXCEEDED",
			})
			return
		}

		tokens--
		mu.Unlock()
		c.Next()
	}
}
