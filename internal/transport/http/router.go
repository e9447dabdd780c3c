package http

import (
	nethttp "net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/richardliu001/ledger-bridge/internal/config"
)

// NewRouter builds the gin engine. metrics, when set, is served at /metrics
// outside of the rate limit.
func NewRouter(cmds Commands, st Status, metrics nethttp.Handler, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, cmds, st)
	return r
}
