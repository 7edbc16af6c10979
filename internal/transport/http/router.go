package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/permissions-service/internal/config"
	"github.com/richardliu001/permissions-service/internal/service"
)

// NewRouter wires middleware and routes. searcher may be nil, in which case
// the search route answers 503.
func NewRouter(svc *service.PermissionService, searcher Searcher, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, searcher, log)
	return r
}
