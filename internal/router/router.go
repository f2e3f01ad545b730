package router

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/franzego/notifygateway/internal/handlers"
	"github.com/franzego/notifygateway/internal/middleware"
)

type Options struct {
	BasePath string
	// JWTSecret enables bearer auth on the status endpoint when set.
	JWTSecret string
}

func New(handler *handlers.Notification, opts Options, log zerolog.Logger) *gin.Engine {
	e := gin.New()
	e.Use(middleware.CorrelationID())
	e.Use(middleware.Recovery(log))
	e.Use(middleware.RequestLogger(log))

	api := e.Group(opts.BasePath)

	api.POST("/notifications", handler.Create)
	api.GET("/notifications/:request_id", handler.Get)

	status := []gin.HandlerFunc{handler.ReportStatus}
	if opts.JWTSecret != "" {
		status = append([]gin.HandlerFunc{middleware.AuthenticationMiddleware(opts.JWTSecret)}, status...)
	}
	api.POST("/notifications/status", status...)

	return e
}
