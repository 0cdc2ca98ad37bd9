package mq

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBridge 基于 Redis pub/sub 的桥实现
// pub/sub 不持久化，节点离线期间的事件由离线队列兜底
type RedisBridge struct {
	client  *redis.Client
	channel string

	done chan struct{}
	once sync.Once
}

// NewRedisBridge 使用已有的 redis 客户端创建桥，客户端由调用方关闭
func NewRedisBridge(client *redis.Client, channel string) *RedisBridge {
	return &RedisBridge{client: client, channel: channel, done: make(chan struct{})}
}

// Publish 发布事件到频道
func (b *RedisBridge) Publish(ctx context.Context, ev *Event) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}
	data, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run 订阅频道并分发事件
func (b *RedisBridge) Run(ctx context.Context, handler Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	// 等待订阅确认，连接失败时尽早返回
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	zap.L().Info("redis bridge subscribed", zap.String("channel", b.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("mq: redis subscription closed")
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				zap.L().Warn("drop undecodable bridge event", zap.Error(err))
				continue
			}
			handler(ctx, ev)
		}
	}
}

// Ping 检查 redis 连通性
func (b *RedisBridge) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close 停止消费
func (b *RedisBridge) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
