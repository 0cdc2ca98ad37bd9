// Package router 提供 HTTP 路由注册
// 本文件定义长连接入口路由
package router

import (
	"github.com/gin-gonic/gin"

	"im_core_server/internal/infrastructure/middleware"
)

// RegisterWebSocketRoutes 注册长连接路由（需要认证）
// 认证失败直接 401，不会进入升级流程
func (rt *Router) RegisterWebSocketRoutes(rg *gin.RouterGroup) {
	// 请求示例: ws://host:port/ws?token=<access token>
	rg.GET("/ws", middleware.JWTAuth(), rt.handlers.Ws.Connect)
}
