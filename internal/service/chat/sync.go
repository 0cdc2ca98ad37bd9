package chat

import (
	"context"

	"go.uber.org/zap"

	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/session"
)

// handleSyncRequest 增量同步
// 1. 游标取请求中的值，缺省时用服务端保存的设备游标
// 2. 返回用户全部会话中 ID 大于游标的消息，多取一条判断 hasMore
// 3. 推进设备游标
func (p *Processor) handleSyncRequest(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.SyncRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = p.opts.SyncPageSize
	}
	cursor := int64(req.LastSyncedMsgID)
	if cursor == 0 {
		stored, err := p.offline.Cursor(ctx, s.UserID, s.DeviceID)
		if err != nil {
			return err
		}
		cursor = stored
	}

	ucs, err := p.userConvs.FindByUser(ctx, s.UserID)
	if err != nil {
		return err
	}
	resp := protocol.SyncResponse{
		Messages:        []protocol.MessageView{},
		Conversations:   make([]protocol.ConversationView, 0, len(ucs)),
		LastSyncedMsgID: protocol.ID(cursor),
	}
	if len(ucs) > 0 {
		convIDs := make([]string, 0, len(ucs))
		for _, uc := range ucs {
			convIDs = append(convIDs, uc.ConversationID)
		}
		convs, err := p.conversations.FindByIDs(ctx, convIDs)
		if err != nil {
			return err
		}
		byID := make(map[string]*model.Conversation, len(convs))
		for i := range convs {
			byID[convs[i].ID] = &convs[i]
		}
		for i := range ucs {
			resp.Conversations = append(resp.Conversations, protocol.NewConversationView(&ucs[i], byID[ucs[i].ConversationID]))
		}

		msgs, err := p.messages.FindAfter(ctx, convIDs, cursor, limit+1)
		if err != nil {
			return err
		}
		if len(msgs) > limit {
			msgs = msgs[:limit]
			resp.HasMore = true
		}
		for i := range msgs {
			resp.Messages = append(resp.Messages, protocol.NewMessageView(&msgs[i]))
		}
		if len(msgs) > 0 {
			resp.LastSyncedMsgID = protocol.ID(msgs[len(msgs)-1].ID)
		}
	}

	if err := p.offline.Advance(ctx, s.UserID, s.DeviceID, int64(resp.LastSyncedMsgID)); err != nil {
		zap.L().Warn("advance sync cursor failed", append(p.fields(s), zap.Error(err))...)
	}
	p.reply(s, protocol.TypeSyncResponse, resp)
	return nil
}

// handleOfflineSyncRequest 返回该设备的待投递离线消息
// 记录只有在设备确认后才会标记投递，中途失败下次请求仍会返回
func (p *Processor) handleOfflineSyncRequest(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.OfflineSyncRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	limit := req.Limit
	if limit <= 0 || limit > p.opts.OfflineBatchSize {
		limit = p.opts.OfflineBatchSize
	}

	records, hasMore, err := p.offline.Pending(ctx, s.UserID, s.DeviceID, limit)
	if err != nil {
		return err
	}
	resp := protocol.OfflineSyncResponse{Messages: []protocol.MessageView{}, HasMore: hasMore}
	if len(records) > 0 {
		ids := make([]int64, 0, len(records))
		seen := make(map[int64]bool, len(records))
		for _, r := range records {
			if !seen[r.MessageID] {
				seen[r.MessageID] = true
				ids = append(ids, r.MessageID)
			}
		}
		msgs, err := p.messages.FindByIDs(ctx, ids)
		if err != nil {
			return err
		}
		for i := range msgs {
			resp.Messages = append(resp.Messages, protocol.NewMessageView(&msgs[i]))
		}
	}
	p.reply(s, protocol.TypeOfflineSyncResponse, resp)
	return nil
}

// handleOfflineSyncAck 确认离线消息，重复确认结果不变
func (p *Processor) handleOfflineSyncAck(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.OfflineSyncAckRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	acked, cursor, err := p.offline.Ack(ctx, s.UserID, s.DeviceID, protocol.IDs(req.MessageIDs))
	if err != nil {
		return err
	}
	p.reply(s, protocol.TypeOfflineSyncAckResponse, protocol.OfflineSyncAckResponse{
		Acked:           acked,
		LastSyncedMsgID: protocol.ID(cursor),
	})
	return nil
}
