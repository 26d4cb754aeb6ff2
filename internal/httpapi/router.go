package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/session/admission"
	"github.com/sessionbroker/broker/internal/session/dispatch"
	"github.com/sessionbroker/broker/internal/session/ingest"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/store"
)

// RouterConfig tunes the middleware stack.
type RouterConfig struct {
	RateLimitPerSecond int // 0 disables the rate limiter
}

// NewRouter builds the gin engine for the session broker.
func NewRouter(st store.Store, adm *admission.Controller, mgr *manager.Manager, disp *dispatch.Dispatcher, ig *ingest.Ingestor, log *logger.Logger, cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))
	if cfg.RateLimitPerSecond > 0 {
		router.Use(RateLimit(cfg.RateLimitPerSecond))
	}

	h := NewHandler(st, adm, mgr, disp, ig, log)

	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	v1Group := router.Group("/api/v1")
	{
		sessions := v1Group.Group("/sessions")
		sessions.POST("/create", h.CreateSession)
		sessions.GET("/:session_id", h.GetSession)
		sessions.POST("/:session_id/complete", h.CompleteSession)
		sessions.POST("/:session_id/transfer", h.TransferSession)
		sessions.POST("/:session_id/cancel", h.CancelSession)

		tasks := v1Group.Group("/tasks")
		tasks.GET("/next_id", h.NextTaskID)
		tasks.GET("/:task_id/send_info", h.SendInfo)

		v1Group.POST("/messages/batch", h.MessageBatch)
	}

	return router
}
