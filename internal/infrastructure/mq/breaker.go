package mq

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// breakerBridge 为 Publish 加上熔断
// 中间件持续不可用时快速失败，避免发布任务堆积在工作池里
type breakerBridge struct {
	Bridge
	cb *gobreaker.CircuitBreaker
}

// WithBreaker 包装 Bridge，连续失败 failures 次后熔断 openFor
func WithBreaker(b Bridge, name string, failures uint32, openFor time.Duration) Bridge {
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			zap.L().Warn("bridge breaker state changed", zap.String("breaker", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &breakerBridge{Bridge: b, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerBridge) Publish(ctx context.Context, ev *Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Bridge.Publish(ctx, ev)
	})
	return err
}
