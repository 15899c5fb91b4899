package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/omnivector-solutions/jobbergate-sub001/internal/pkg/response"
)

// HandlerHealthz 存活探针, 进程在即健康.
func (rt *Router) HandlerHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, response.Response{Results: gin.H{"status": "ok"}})
}

// HandlerStatus 返回两个循环的周期计数与最近一次错误, 供运维巡检.
func (rt *Router) HandlerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, response.Response{Results: rt.agent.Snapshot()})
}
