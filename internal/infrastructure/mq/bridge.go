// Package mq 提供跨节点事件桥
// 节点之间通过 Bridge 交换需要投递给其他节点上在线设备的事件
// 支持三种实现：ChannelBridge（单进程）、RedisBridge（pub/sub）、KafkaBridge（分布式）
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventKind 跨节点事件类型
type EventKind string

const (
	EventChat     EventKind = "chat"     // 新消息投递
	EventTyping   EventKind = "typing"   // 正在输入
	EventRead     EventKind = "read"     // 已读回执
	EventRecall   EventKind = "recall"   // 消息撤回
	EventPresence EventKind = "presence" // 在线状态变化
	EventKick     EventKind = "kick"     // 同设备在其他节点登录，踢下线
)

// ErrBridgeClosed 桥已关闭
var ErrBridgeClosed = errors.New("mq: bridge closed")

// Event 跨节点事件
// Frame 是已经编码好的下行帧，接收节点原样推送给本地会话
type Event struct {
	ID         string    `json:"id"`
	Kind       EventKind `json:"kind"`
	OriginNode string    `json:"originNode"`
	// Key 分区键，同一个会话的事件保持顺序
	Key string `json:"key,omitempty"`

	TargetUserIDs   []string        `json:"targetUserIds,omitempty"`
	ExcludeUserID   string          `json:"excludeUserId,omitempty"`
	ExcludeDeviceID string          `json:"excludeDeviceId,omitempty"`
	Frame           json.RawMessage `json:"frame,omitempty"`

	// presence / kick 事件的主体
	UserID   string `json:"userId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Online   bool   `json:"online,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// NewEvent 创建带 ID 和时间戳的事件
func NewEvent(kind EventKind, originNode string) *Event {
	return &Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OriginNode: originNode,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// Excluded 判断 (userID, deviceID) 是否被排除在本次投递之外
func (e *Event) Excluded(userID, deviceID string) bool {
	if e.ExcludeUserID == "" || e.ExcludeUserID != userID {
		return false
	}
	return e.ExcludeDeviceID == "" || e.ExcludeDeviceID == deviceID
}

// Handler 事件处理回调
type Handler func(ctx context.Context, ev *Event)

// Bridge 跨节点事件桥
type Bridge interface {
	// Publish 发布事件，返回错误表示事件未送达消息中间件
	Publish(ctx context.Context, ev *Event) error
	// Run 消费事件并调用 handler，阻塞直到 ctx 取消或桥关闭
	Run(ctx context.Context, handler Handler) error
	// Ping 检查与中间件的连通性，用于 /readyz
	Ping(ctx context.Context) error
	// Close 释放资源
	Close() error
}

func encodeEvent(ev *Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(data []byte) (*Event, error) {
	ev := new(Event)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
