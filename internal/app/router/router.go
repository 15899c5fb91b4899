package router

import (
	"github.com/gin-gonic/gin"
)

// Registrar 由各模块实现, 把自己的路由挂到 engine 上.
type Registrar interface{ Register(r *gin.Engine) }

// New 构建 engine 并依次挂载给定模块. 模块列表由调用方显式传入,
// 不维护全局注册表.
func New(rs ...Registrar) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	for _, rg := range rs {
		rg.Register(r)
	}
	return r
}
