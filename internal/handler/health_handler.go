// Package handler 提供 HTTP 请求处理器
// 本文件提供存活、就绪与运行统计接口
package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pinger 就绪检查依赖的外部组件
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stats 本节点的连接统计
type Stats interface {
	OnlineUserCount() int
	ConnectionCount() int
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	nodeID  string
	stats   Stats
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler 创建健康检查处理器，checks 的 key 为组件名，value 为 nil 的组件会被忽略
func NewHealthHandler(nodeID string, stats Stats, checks map[string]Pinger) *HealthHandler {
	live := make(map[string]Pinger, len(checks))
	for name, c := range checks {
		if c != nil {
			live[name] = c
		}
	}
	return &HealthHandler{nodeID: nodeID, stats: stats, checks: live, timeout: 2 * time.Second}
}

// Healthz 进程存活
// GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	HandleSuccess(c, gin.H{"status": "ok"})
}

// Readyz 依赖组件全部可用时返回 200，否则 503
// GET /readyz
func (h *HealthHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			zap.L().Warn("readiness check failed", zap.String("component", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		HandleUnavailable(c, failed)
		return
	}
	HandleSuccess(c, gin.H{"status": "ready"})
}

// StatsRespond /stats 响应
type StatsRespond struct {
	NodeID      string `json:"nodeId"`
	OnlineUsers int    `json:"onlineUsers"`
	Connections int    `json:"connections"`
}

// Stats 本节点在线统计
// GET /stats
func (h *HealthHandler) Stats(c *gin.Context) {
	HandleSuccess(c, StatsRespond{
		NodeID:      h.nodeID,
		OnlineUsers: h.stats.OnlineUserCount(),
		Connections: h.stats.ConnectionCount(),
	})
}
