// Package handler 提供 HTTP 请求处理器
// 本文件定义 Handler 聚合结构，Router 层通过它访问各个 Handler
package handler

// Handlers 聚合所有 Handler 实例
type Handlers struct {
	Ws     *WsHandler
	Health *HealthHandler
}

// NewHandlers 聚合已经创建好的 Handler
func NewHandlers(ws *WsHandler, health *HealthHandler) *Handlers {
	return &Handlers{Ws: ws, Health: health}
}
