package mq

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub 进程内事件总线
// 同一个 Hub 上的多个 ChannelBridge 互相可见，单机部署时只有一个
type Hub struct {
	mu      sync.RWMutex
	members map[*ChannelBridge]struct{}
}

// NewHub 创建进程内事件总线
func NewHub() *Hub {
	return &Hub{members: make(map[*ChannelBridge]struct{})}
}

func (h *Hub) join(b *ChannelBridge) {
	h.mu.Lock()
	h.members[b] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) leave(b *ChannelBridge) {
	h.mu.Lock()
	delete(h.members, b)
	h.mu.Unlock()
}

func (h *Hub) broadcast(ctx context.Context, ev *Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for b := range h.members {
		if err := b.deliver(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ChannelBridge 基于 Go channel 的桥实现
type ChannelBridge struct {
	hub    *Hub
	events chan *Event
	done   chan struct{}
	once   sync.Once
}

// NewChannelBridge 在 hub 上创建一个节点端点，hub 为 nil 时新建独立总线
func NewChannelBridge(hub *Hub, bufferSize int) *ChannelBridge {
	if hub == nil {
		hub = NewHub()
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &ChannelBridge{
		hub:    hub,
		events: make(chan *Event, bufferSize),
		done:   make(chan struct{}),
	}
	hub.join(b)
	return b
}

// Publish 把事件投递到 hub 上的每个端点
func (b *ChannelBridge) Publish(ctx context.Context, ev *Event) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}
	return b.hub.broadcast(ctx, ev)
}

func (b *ChannelBridge) deliver(ctx context.Context, ev *Event) error {
	select {
	case <-b.done:
		// 已关闭的端点直接忽略
		return nil
	case b.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 消费事件
func (b *ChannelBridge) Run(ctx context.Context, handler Handler) error {
	zap.L().Info("channel bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case ev := <-b.events:
			handler(ctx, ev)
		}
	}
}

// Ping 进程内实现总是可用，关闭后返回 ErrBridgeClosed
func (b *ChannelBridge) Ping(context.Context) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
		return nil
	}
}

// Close 离开 hub
func (b *ChannelBridge) Close() error {
	b.once.Do(func() {
		b.hub.leave(b)
		close(b.done)
	})
	return nil
}
