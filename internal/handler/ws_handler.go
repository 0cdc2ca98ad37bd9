// Package handler 提供 HTTP 请求处理器
// 本文件处理 WebSocket 升级请求
package handler

import (
	"github.com/gin-gonic/gin"

	"im_core_server/internal/gateway/websocket"
	"im_core_server/internal/infrastructure/middleware"
	"im_core_server/internal/service/session"
)

// WsHandler 长连接入口
type WsHandler struct {
	gateway *websocket.Gateway
}

// NewWsHandler 创建长连接处理器
func NewWsHandler(gateway *websocket.Gateway) *WsHandler {
	return &WsHandler{gateway: gateway}
}

// Connect 升级为 WebSocket 并阻塞到连接结束
// GET /ws?token=xxx 或 Authorization: Bearer xxx
// 身份已由 middleware.JWTAuth 校验并写入上下文，这里只负责交给网关
func (h *WsHandler) Connect(c *gin.Context) {
	id := session.Identity{
		UserID:     c.GetString(middleware.CtxUserID),
		DeviceID:   c.GetString(middleware.CtxDeviceID),
		DeviceType: c.GetString(middleware.CtxDeviceType),
	}
	h.gateway.Serve(c.Writer, c.Request, id)
}
