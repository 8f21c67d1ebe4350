package http

import (
	"livecast/internal/infrastructure/middleware"
	"livecast/pkg/config"
	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterDeps are the relay components behind the HTTP surface. Auth is nil
// when no JWT secret is configured; Gatherer nil disables /metrics.
type RouterDeps struct {
	Config          *config.Config
	Signal          *SignalHandler
	Streams         *StreamHandler
	Health          *HealthHandler
	Auth            *AuthHandler
	ParticipantAuth gin.HandlerFunc
	Gatherer        prometheus.Gatherer
	Logger          *zap.SugaredLogger
}

// NewRouter assembles the relay's gin engine.
func NewRouter(deps RouterDeps) *gin.Engine {
	log := logger.OrNop(deps.Logger)
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
	)

	deps.Health.SetupRoutes(router)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	limited := router.Group("/", middleware.NewHTTPRateLimitMiddleware(deps.Config))
	deps.Signal.SetupRoutes(limited, deps.ParticipantAuth)
	deps.Streams.SetupRoutes(limited)
	if deps.Auth != nil {
		deps.Auth.SetupRoutes(limited)
	}
	return router
}
