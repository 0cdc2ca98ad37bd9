package chat

import (
	"context"

	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/session"
)

// handleTyping 正在输入，只推给其他成员当前在线的设备，不落库也不入离线队列
func (p *Processor) handleTyping(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.TypingRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	members, _, err := p.requireMember(ctx, req.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.TypeTyping, protocol.TypingEvent{
		ConversationID: req.ConversationID,
		UserID:         s.UserID,
		DeviceID:       s.DeviceID,
		Typing:         req.Typing,
	})
	if err != nil {
		return err
	}

	userIDs := memberIDs(members)
	p.deliverLocal(userIDs, frame, excludeUser(s.UserID))
	if p.needsBridge(p.lookupRoute(ctx, userIDs, false)) {
		ev := p.newEvent(mq.EventTyping, req.ConversationID, frame, userIDs)
		ev.ExcludeUserID = s.UserID
		p.publish(ev, nil)
	}
	return nil
}

// handleReadAck 推进已读游标并把回执推给消息发送者
// 持久化失败时只记录日志，回执照常转发
func (p *Processor) handleReadAck(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.ReadAckRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	if _, _, err := p.requireMember(ctx, req.ConversationID, s.UserID); err != nil {
		return err
	}
	msg, err := p.messages.FindByID(ctx, int64(req.MessageID))
	if err != nil {
		return err
	}
	if msg.ConversationID != req.ConversationID {
		return errNotInConversation(req.ConversationID, msg.ID)
	}

	if err := p.userConvs.MarkRead(ctx, req.ConversationID, s.UserID, msg.ID); err != nil {
		zap.L().Warn("mark read failed, forwarding receipt only",
			append(p.fields(s), zap.String("conversation_id", req.ConversationID), zap.Error(err))...)
	}
	if msg.SenderID == s.UserID {
		return nil
	}

	frame, err := protocol.Encode(protocol.TypeReadReceipt, protocol.ReadReceipt{
		ConversationID: req.ConversationID,
		MessageID:      protocol.ID(msg.ID),
		ReaderID:       s.UserID,
		ReaderDeviceID: s.DeviceID,
		ReadAt:         p.now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	targets := []string{msg.SenderID}
	p.deliverLocal(targets, frame, nil)
	if p.needsBridge(p.lookupRoute(ctx, targets, false)) {
		p.publish(p.newEvent(mq.EventRead, req.ConversationID, frame, targets), nil)
	}
	return nil
}
