package constants

import "time"

const (
	CHANNEL_SIZE = 256 // 单连接发送队列默认长度

	DEFAULT_MAX_DEVICES_PER_USER = 10                 // 单用户同时在线设备上限
	DEFAULT_OFFLINE_MAX_RETRY    = 5                  // 离线记录最多被返回的次数
	DEFAULT_OFFLINE_TTL          = 7 * 24 * time.Hour // 离线记录保留时长
	DEFAULT_INACTIVITY_TIMEOUT   = 60 * time.Second   // 无任何入站帧的断开阈值
	DEFAULT_RECALL_WINDOW        = 2 * time.Minute    // 发送者撤回时限
	DEFAULT_SYNC_PAGE_SIZE       = 200                // 增量同步单页条数

	MAX_ONLINE_STATUS_QUERY = 200  // 单次在线状态查询的用户数上限
	MAX_SUBSCRIPTIONS       = 1000 // 单连接可订阅的在线状态用户数
)

// Redis key 前缀
const (
	REDIS_PRESENCE_KEY_PREFIX = "im:presence:" // im:presence:{userId} -> hash{deviceId: nodeId}
	REDIS_NODE_KEY_PREFIX     = "im:node:"     // im:node:{nodeId} -> 最近一次心跳时间，带 TTL
	REDIS_BRIDGE_CHANNEL      = "im:bridge"
)
