// presence.go
// 核心职责：登录、登出、心跳与在线状态
// 在线状态 = 本节点注册表 ∪ 集群在线目录
package chat

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/session"
	"im_core_server/pkg/errorx"
)

// handleLogin 再次确认设备身份，回复 LOGIN_ACK 并向订阅者广播上线
// 身份与握手凭证不一致时关闭连接
func (p *Processor) handleLogin(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.LoginRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	if req.UserID != s.UserID || req.DeviceID != s.DeviceID {
		zap.L().Warn("login identity mismatch",
			append(p.fields(s), zap.String("claimed_user_id", req.UserID), zap.String("claimed_device_id", req.DeviceID))...)
		p.replyError(s, pkt.Type, errorx.New(errorx.CodeUnauthorized, "登录身份与凭证不一致"))
		_ = s.Conn.Close()
		return nil
	}

	cursor, err := p.offline.Cursor(ctx, s.UserID, s.DeviceID)
	if err != nil {
		zap.L().Warn("load sync cursor failed", append(p.fields(s), zap.Error(err))...)
	}
	p.reply(s, protocol.TypeLoginAck, protocol.LoginAck{
		UserID:          s.UserID,
		DeviceID:        s.DeviceID,
		NodeID:          p.opts.NodeID,
		ServerTime:      p.now().UnixMilli(),
		LastSyncedMsgID: protocol.ID(cursor),
	})
	p.broadcastPresence(p.statusOf(ctx, []string{s.UserID})[0])
	return nil
}

// handleLogout 回复 LOGOUT_ACK 后注销并关闭连接
func (p *Processor) handleLogout(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	p.reply(s, protocol.TypeLogoutAck, struct{}{})
	if removal := p.registry.Unregister(s.Conn); removal != nil {
		p.afterRemoval(removal)
	}
	_ = s.Conn.Close()
	return nil
}

// handleHeartbeat 活跃时间已由分发器刷新，这里只续期在线目录
func (p *Processor) handleHeartbeat(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	p.reply(s, protocol.TypeHeartbeatAck, protocol.HeartbeatAck{ServerTime: p.now().UnixMilli()})
	if p.directory != nil {
		if err := p.directory.SetOnline(ctx, s.UserID, s.DeviceID, p.opts.NodeID); err != nil {
			zap.L().Debug("presence refresh failed", append(p.fields(s), zap.Error(err))...)
		}
	}
	return nil
}

func (p *Processor) handleOnlineStatusRequest(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.OnlineStatusRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	p.reply(s, protocol.TypeOnlineStatusResponse, protocol.OnlineStatusResponse{Statuses: p.statusOf(ctx, req.UserIDs)})
	return nil
}

// handleOnlineStatusSubscribe 订阅后返回当前快照，之后的变化主动推送
func (p *Processor) handleOnlineStatusSubscribe(ctx context.Context, s *session.Session, pkt *protocol.Packet) error {
	var req protocol.OnlineStatusRequest
	if err := pkt.Bind(&req); err != nil {
		return err
	}
	if ignored := p.registry.Subscribe(s.ConnID(), req.UserIDs); ignored > 0 {
		zap.L().Info("subscription limit reached", append(p.fields(s), zap.Int("ignored", ignored))...)
	}
	p.reply(s, protocol.TypeOnlineStatusResponse, protocol.OnlineStatusResponse{Statuses: p.statusOf(ctx, req.UserIDs)})
	return nil
}

// statusOf 合并本节点注册表与在线目录，结果顺序与 userIDs 一致
func (p *Processor) statusOf(ctx context.Context, userIDs []string) []protocol.UserStatus {
	var remote map[string]map[string]string
	if p.directory != nil {
		devices, err := p.directory.DevicesOf(ctx, userIDs)
		if err != nil {
			zap.L().Warn("presence lookup failed, using local registry", zap.Error(err))
		} else {
			remote = devices
		}
	}

	out := make([]protocol.UserStatus, 0, len(userIDs))
	for _, uid := range userIDs {
		devices := make([]string, 0)
		for _, sess := range p.registry.SessionsOf(uid) {
			devices = append(devices, sess.DeviceID)
		}
		for did, node := range remote[uid] {
			// 登记在本节点却不在注册表里的是残留记录
			if node != p.opts.NodeID {
				devices = append(devices, did)
			}
		}
		slices.Sort(devices)
		devices = slices.Compact(devices)
		out = append(out, protocol.UserStatus{UserID: uid, Online: len(devices) > 0, Devices: devices})
	}
	return out
}

// broadcastPresence 推给本节点订阅者，并经 Bridge 通知其他节点
func (p *Processor) broadcastPresence(status protocol.UserStatus) {
	frame, err := protocol.Encode(protocol.TypeOnlineStatusChange, protocol.OnlineStatusChange{
		UserStatus: status,
		ChangedAt:  p.now().UnixMilli(),
	})
	if err != nil {
		zap.L().Error("encode presence change failed", zap.String("user_id", status.UserID), zap.Error(err))
		return
	}
	p.pushToSubscribers(status.UserID, frame)

	ev := p.newEvent(mq.EventPresence, status.UserID, frame, nil)
	ev.UserID = status.UserID
	ev.Online = status.Online
	p.publish(ev, nil)
}

func (p *Processor) pushToSubscribers(userID string, frame []byte) {
	for _, sub := range p.registry.SubscribersOf(userID) {
		p.send(sub, frame)
	}
}

// kickReplaced 同一设备重新登录，旧连接关闭前收到 KICKED
// 此时旧会话已从注册表摘除，直接写连接
func (p *Processor) kickReplaced(old *session.Session) {
	frame, err := protocol.Encode(protocol.TypeKicked, protocol.Kicked{DeviceID: old.DeviceID, Reason: "replaced"})
	if err != nil {
		return
	}
	old.Conn.Send(frame)
	zap.L().Info("session replaced by new login", p.fields(old)...)
}

// publishKick 通知其他节点关闭该设备的旧连接
func (p *Processor) publishKick(userID, deviceID string) {
	if p.bridge == nil {
		return
	}
	ev := p.newEvent(mq.EventKick, userID, nil, nil)
	ev.UserID = userID
	ev.DeviceID = deviceID
	p.publish(ev, nil)
}
