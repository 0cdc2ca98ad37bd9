package chat

import (
	"context"

	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/protocol"
)

// RunBridge 消费其他节点发布的事件，阻塞直到 ctx 取消
func (p *Processor) RunBridge(ctx context.Context) error {
	if p.bridge == nil {
		<-ctx.Done()
		return nil
	}
	return p.bridge.Run(ctx, p.handleBridgeEvent)
}

// handleBridgeEvent 把远端事件投递给本节点的会话，忽略本节点自己发布的事件
func (p *Processor) handleBridgeEvent(ctx context.Context, ev *mq.Event) {
	if ev.OriginNode == p.opts.NodeID {
		return
	}
	switch ev.Kind {
	case mq.EventChat, mq.EventTyping, mq.EventRead, mq.EventRecall:
		p.deliverLocal(ev.TargetUserIDs, ev.Frame, ev.Excluded)
	case mq.EventPresence:
		p.pushToSubscribers(ev.UserID, ev.Frame)
	case mq.EventKick:
		p.kickLocal(ev.UserID, ev.DeviceID, ev.OriginNode)
	default:
		zap.L().Info("unknown bridge event dropped", zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
	}
}

// kickLocal 设备已在其他节点登录，关闭本节点上的旧连接
func (p *Processor) kickLocal(userID, deviceID, byNode string) {
	s := p.registry.LookupByDevice(userID, deviceID)
	if s == nil {
		return
	}
	frame, err := protocol.Encode(protocol.TypeKicked, protocol.Kicked{DeviceID: deviceID, Reason: "replaced"})
	if err == nil {
		p.send(s, frame)
	}
	zap.L().Info("session replaced on another node", append(p.fields(s), zap.String("by_node", byNode))...)
	removal := p.registry.Unregister(s.Conn)
	_ = s.Conn.Close()
	if removal != nil {
		p.afterRemoval(removal)
	}
}
