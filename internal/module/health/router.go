package health

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/agent"
)

type Router struct {
	agent  *agent.Agent
	logger *slog.Logger
}

func NewRouter(a *agent.Agent, logger *slog.Logger) *Router {
	return &Router{
		agent:  a,
		logger: logger,
	}
}

func (rt *Router) Register(r *gin.Engine) {
	rt.logger.Debug("register health router")
	r.GET("/healthz", rt.HandlerHealthz) // GET /healthz
	r.GET("/status", rt.HandlerStatus)   // GET /status
}
