// message.go
// 核心职责：聊天消息与撤回
// 1. 去重：LRU 拦截近期重发，唯一索引兜底
// 2. 同一会话在分片锁内生成 ID、持久化、本地投递，投递顺序与提交顺序一致
// 3. 锁外写离线记录、回 ACK；会话最后消息与未读数交给工作池
package chat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/metrics"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/session"
	"im_core_server/pkg/errorx"
)

func (p *Processor) handleChatMessage(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.ChatMessageRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}

	// 1. 重发去重
	if req.ClientMsgID != "" {
		if ack, ok, err := p.findDuplicate(ctx, s.UserID, req.ClientMsgID); err != nil {
			return err
		} else if ok {
			p.reply(s, protocol.TypeChatMessageAck, ack)
			return nil
		}
	}

	// 2. 成员校验
	members, _, err := p.requireMember(ctx, req.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	userIDs := memberIDs(members)
	r := p.lookupRoute(ctx, userIDs, true)

	msg := &model.Message{
		ConversationID: req.ConversationID,
		SenderID:       s.UserID,
		SenderDeviceID: s.DeviceID,
		Kind:           req.Kind,
		Content:        req.Content,
		QuoteID:        int64(req.QuoteID),
	}
	if req.ClientMsgID != "" {
		clientMsgID := req.ClientMsgID
		msg.ClientMsgID = &clientMsgID
	}
	if len(req.Extra) > 0 {
		msg.Extra = string(req.Extra)
	}

	// 3. 持久化与本地投递
	skip := excludeSession(s)
	unlock := p.convLocks.Lock(req.ConversationID)
	msg.ID = p.nextID()
	msg.CreatedAt = p.now()
	if err := p.messages.Create(ctx, msg); err != nil {
		unlock()
		if errorx.GetCode(err) == errorx.CodeConflict && req.ClientMsgID != "" {
			// 并发重发由唯一索引拦下
			if ack, ok, findErr := p.findDuplicate(ctx, s.UserID, req.ClientMsgID); findErr == nil && ok {
				p.reply(s, protocol.TypeChatMessageAck, ack)
				return nil
			}
		}
		return err
	}
	frame, err := protocol.Encode(protocol.TypeChatMessage, protocol.NewMessageView(msg))
	if err != nil {
		unlock()
		return err
	}
	got := p.deliverLocal(userIDs, frame, skip)
	ev := p.newEvent(mq.EventChat, msg.ConversationID, frame, userIDs)
	ev.ExcludeUserID, ev.ExcludeDeviceID = s.UserID, s.DeviceID
	p.fanoutRemote(ev, msg, r, skip)
	unlock()

	// 4. 离线记录
	targets := p.pendingTargets(userIDs, r, got, skip)
	if err := p.offline.Enqueue(ctx, msg, targets); err != nil {
		zap.L().Error("enqueue offline records failed",
			append(p.fields(s), zap.Int64("message_id", msg.ID), zap.Int("targets", len(targets)), zap.Error(err))...)
	} else if len(targets) > 0 {
		metrics.OfflineRecords.Add(float64(len(targets)))
		metrics.Deliveries.WithLabelValues("offline").Add(float64(len(targets)))
	}

	// 5. ACK
	ack := protocol.ChatMessageAck{
		ClientMsgID:    req.ClientMsgID,
		MessageID:      protocol.ID(msg.ID),
		ConversationID: msg.ConversationID,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
	}
	if req.ClientMsgID != "" {
		dup := ack
		dup.Duplicate = true
		p.sent.Add(dedupeKey(s.UserID, req.ClientMsgID), dup)
	}
	p.reply(s, protocol.TypeChatMessageAck, ack)

	// 6. 会话状态
	p.pool.SubmitKeyed(msg.ConversationID, func() {
		p.updateConversationState(msg)
	})
	return nil
}

// findDuplicate 先查 LRU，再查唯一索引
func (p *Processor) findDuplicate(ctx context.Context, senderID, clientMsgID string) (protocol.ChatMessageAck, bool, error) {
	key := dedupeKey(senderID, clientMsgID)
	if ack, ok := p.sent.Get(key); ok {
		return ack, true, nil
	}
	msg, err := p.messages.FindByClientMsgID(ctx, senderID, clientMsgID)
	if err != nil {
		if errorx.IsNotFound(err) {
			return protocol.ChatMessageAck{}, false, nil
		}
		return protocol.ChatMessageAck{}, false, err
	}
	ack := protocol.ChatMessageAck{
		ClientMsgID:    clientMsgID,
		MessageID:      protocol.ID(msg.ID),
		ConversationID: msg.ConversationID,
		CreatedAt:      msg.CreatedAt.UnixMilli(),
		Duplicate:      true,
	}
	p.sent.Add(key, ack)
	return ack, true, nil
}

// updateConversationState 更新会话最后消息和其他成员未读数，失败只记录日志
func (p *Processor) updateConversationState(msg *model.Message) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandlerTimeout)
	defer cancel()
	if err := p.conversations.UpdateLastMessage(ctx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
		zap.L().Warn("update conversation last message failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
	if err := p.userConvs.IncrementUnread(ctx, msg.ConversationID, msg.SenderID); err != nil {
		zap.L().Warn("increment unread failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
	}
}

// handleRecall 撤回消息
// 发送者在撤回时限内可撤回；群主和管理员不受时限限制
func (p *Processor) handleRecall(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.RecallRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	msg, err := p.messages.FindByID(ctx, int64(req.MessageID))
	if err != nil {
		return err
	}
	if msg.ConversationID != req.ConversationID {
		return errNotInConversation(req.ConversationID, msg.ID)
	}
	members, self, err := p.requireMember(ctx, req.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	if msg.Recalled() {
		return errorx.New(errorx.CodeConflict, "消息已撤回")
	}

	now := p.now()
	if !self.CanModerate() {
		if msg.SenderID != s.UserID {
			return errorx.New(errorx.CodeForbidden, "只能撤回自己发送的消息")
		}
		if p.recallExpired(msg.CreatedAt) {
			return errorx.Newf(errorx.CodeForbidden, "超过 %s 的消息不能撤回", p.opts.RecallWindow)
		}
	}

	ok, err := p.messages.MarkRecalled(ctx, msg.ID, s.UserID, now)
	if err != nil {
		return err
	}
	if !ok {
		return errorx.New(errorx.CodeConflict, "消息已撤回")
	}
	msg.RecalledAt = &now
	msg.RecalledBy = s.UserID

	event := protocol.RecallEvent{
		ConversationID: msg.ConversationID,
		MessageID:      protocol.ID(msg.ID),
		RecalledBy:     s.UserID,
		RecalledAt:     now.UnixMilli(),
	}
	p.reply(s, protocol.TypeRecallAck, event)

	frame, err := protocol.Encode(protocol.TypeMessageRecalled, event)
	if err != nil {
		return err
	}
	userIDs := memberIDs(members)
	skip := excludeSession(s)
	r := p.lookupRoute(ctx, userIDs, true)

	unlock := p.convLocks.Lock(msg.ConversationID)
	got := p.deliverLocal(userIDs, frame, skip)
	ev := p.newEvent(mq.EventRecall, msg.ConversationID, frame, userIDs)
	ev.ExcludeUserID, ev.ExcludeDeviceID = s.UserID, s.DeviceID
	p.fanoutRemote(ev, msg, r, skip)
	unlock()

	// 未在线的设备重新入队，离线同步时拿到撤回后的消息
	if err := p.offline.Enqueue(ctx, msg, p.pendingTargets(userIDs, r, got, skip)); err != nil {
		zap.L().Warn("enqueue recall for offline devices failed", append(p.fields(s), zap.Int64("message_id", msg.ID), zap.Error(err))...)
	}
	return nil
}

func errNotInConversation(conversationID string, msgID int64) error {
	return errorx.Newf(errorx.CodeNotFound, "会话 %s 中没有消息 %d", conversationID, msgID)
}

// recallExpired 超过发送者撤回时限，时限为 0 表示不限
func (p *Processor) recallExpired(createdAt time.Time) bool {
	return p.opts.RecallWindow > 0 && p.now().Sub(createdAt) > p.opts.RecallWindow
}
