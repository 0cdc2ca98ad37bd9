// Package metrics 定义 Prometheus 指标，由 /metrics 暴露
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "im_core"

var (
	// Connections 本节点在线连接数
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Live websocket connections on this node.",
	})

	// OnlineUsers 本节点在线用户数
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "online_users",
		Help:      "Users with at least one device connected to this node.",
	})

	// Packets 入站帧，按类型统计
	Packets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packets_total",
		Help:      "Inbound packets by type.",
	}, []string{"type"})

	// PacketErrors 返回 SERVER_ERROR 的入站帧，按类型统计
	PacketErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "packet_errors_total",
		Help:      "Inbound packets answered with SERVER_ERROR, by type.",
	}, []string{"type"})

	// Deliveries 扇出投递次数，route 为 local / remote / offline
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fanout_deliveries_total",
		Help:      "Fan-out deliveries by route.",
	}, []string{"route"})

	// OfflineRecords 新建的离线记录数
	OfflineRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "offline_records_created_total",
		Help:      "Offline queue records created.",
	})

	// BridgePublishErrors 跨节点发布失败，按事件类型统计
	BridgePublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_publish_errors_total",
		Help:      "Failed bridge publishes by event kind.",
	}, []string{"kind"})

	// HandlerPanics 处理器 panic 次数
	HandlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_panics_total",
		Help:      "Recovered panics in packet handlers.",
	})
)
