// Package router 提供 HTTP 路由注册
// 本文件定义运维相关路由：健康检查、统计与 Prometheus 指标
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterOpsRoutes 注册运维路由（无需认证）
func (rt *Router) RegisterOpsRoutes(rg *gin.RouterGroup) {
	rg.GET("/healthz", rt.handlers.Health.Healthz)
	rg.GET("/readyz", rt.handlers.Health.Readyz)
	rg.GET("/stats", rt.handlers.Health.Stats)
	rg.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
