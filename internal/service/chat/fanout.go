// fanout.go
// 核心职责：扇出路由
// 本节点在线会话直接写帧；其他节点上的设备经 Bridge 投递；两者都不在线的名册设备写离线记录
// Bridge 不可用或发布失败时，远端设备同样写离线记录
package chat

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"im_core_server/internal/infrastructure/metrics"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/model"
	"im_core_server/internal/service/offline"
	"im_core_server/internal/service/session"
)

// route 一次扇出的路由信息
type route struct {
	// remote 登记在其他节点上的在线设备 userId -> deviceIds
	remote map[string][]string
	// remoteKnown 在线目录可用；不可用时无法排除远端设备，总是经 Bridge 发布
	remoteKnown bool
	// roster 设备名册 userId -> deviceIds
	roster map[string][]string
	// rosterKnown 名册可用；不可用时为没有本地投递的用户写不定向离线记录
	rosterKnown bool
}

// lookupRoute 查询在线目录与设备名册，失败时降级为本节点视角
func (p *Processor) lookupRoute(ctx context.Context, userIDs []string, withRoster bool) route {
	r := route{remote: make(map[string][]string)}
	if p.directory != nil {
		devices, err := p.directory.DevicesOf(ctx, userIDs)
		if err != nil {
			zap.L().Warn("presence lookup failed, fan-out degraded to local view", zap.Error(err))
		} else {
			r.remoteKnown = true
			for uid, byDevice := range devices {
				for did, node := range byDevice {
					if node != p.opts.NodeID {
						r.remote[uid] = append(r.remote[uid], did)
					}
				}
			}
		}
	}
	if withRoster {
		roster, err := p.offline.Roster(ctx, userIDs)
		if err != nil {
			zap.L().Warn("device roster lookup failed", zap.Error(err))
		} else {
			r.roster = roster
			r.rosterKnown = true
		}
	}
	return r
}

// needsBridge 有远端设备或无法确定时需要跨节点发布
func (p *Processor) needsBridge(r route) bool {
	if p.bridge == nil {
		return false
	}
	if !r.remoteKnown {
		return true
	}
	for _, devices := range r.remote {
		if len(devices) > 0 {
			return true
		}
	}
	return false
}

// delivered 已经收到帧的设备
type delivered map[string]map[string]bool

func (d delivered) add(userID, deviceID string) {
	if d[userID] == nil {
		d[userID] = make(map[string]bool)
	}
	d[userID][deviceID] = true
}

// deliverLocal 写给用户在本节点上的全部会话，skip 返回 true 的设备跳过
func (p *Processor) deliverLocal(userIDs []string, frame []byte, skip func(userID, deviceID string) bool) delivered {
	out := make(delivered)
	for _, uid := range userIDs {
		for _, s := range p.registry.SessionsOf(uid) {
			if skip != nil && skip(uid, s.DeviceID) {
				continue
			}
			if p.send(s, frame) {
				out.add(uid, s.DeviceID)
			}
		}
	}
	if n := countDelivered(out); n > 0 {
		metrics.Deliveries.WithLabelValues("local").Add(float64(n))
	}
	return out
}

func countDelivered(d delivered) int {
	n := 0
	for _, devices := range d {
		n += len(devices)
	}
	return n
}

// offlineTargets 名册中既没有本地投递、也不在其他节点在线的设备
// 名册为空或不可用的用户写一条不定向记录，由该用户任意设备领取
func offlineTargets(userIDs []string, r route, got delivered, skip func(userID, deviceID string) bool) []offline.Target {
	var targets []offline.Target
	for _, uid := range userIDs {
		devices := r.roster[uid]
		if !r.rosterKnown || len(devices) == 0 {
			if len(got[uid]) == 0 && len(r.remote[uid]) == 0 && (skip == nil || !skip(uid, "")) {
				targets = append(targets, offline.Target{UserID: uid})
			}
			continue
		}
		for _, did := range devices {
			if got[uid][did] || slices.Contains(r.remote[uid], did) || (skip != nil && skip(uid, did)) {
				continue
			}
			targets = append(targets, offline.Target{UserID: uid, DeviceID: did})
		}
	}
	return targets
}

// remoteTargets 登记在其他节点上的设备，跨节点发布失败时改写离线记录
func remoteTargets(r route, skip func(userID, deviceID string) bool) []offline.Target {
	var targets []offline.Target
	for uid, devices := range r.remote {
		for _, did := range devices {
			if skip != nil && skip(uid, did) {
				continue
			}
			targets = append(targets, offline.Target{UserID: uid, DeviceID: did})
		}
	}
	return targets
}

// fanoutRemote 消息类事件的跨节点投递
// 提交被拒或发布失败时，远端设备改走离线队列，重复记录由 ACK 幂等吸收
func (p *Processor) fanoutRemote(ev *mq.Event, msg *model.Message, r route, skip func(userID, deviceID string) bool) {
	if !p.needsBridge(r) {
		return
	}
	remote := remoteTargets(r, skip)
	p.publish(ev, func() {
		p.enqueueFallback(msg, remote)
	})
}

// pendingTargets 本次需要写离线记录的设备；没有 Bridge 时远端设备也无法送达
func (p *Processor) pendingTargets(userIDs []string, r route, got delivered, skip func(userID, deviceID string) bool) []offline.Target {
	targets := offlineTargets(userIDs, r, got, skip)
	if p.bridge == nil {
		targets = append(targets, remoteTargets(r, skip)...)
	}
	return targets
}

// enqueueFallback 为投递失败的远端设备写离线记录，可能在工作池中执行
func (p *Processor) enqueueFallback(msg *model.Message, targets []offline.Target) {
	if len(targets) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandlerTimeout)
	defer cancel()
	if err := p.offline.Enqueue(ctx, msg, targets); err != nil {
		zap.L().Error("enqueue offline records for remote devices failed",
			zap.Int64("message_id", msg.ID), zap.Int("targets", len(targets)), zap.Error(err))
		return
	}
	metrics.OfflineRecords.Add(float64(len(targets)))
	metrics.Deliveries.WithLabelValues("offline").Add(float64(len(targets)))
}

// publish 提交到工作池异步发布，同一 key 的事件保序
// 提交被拒或发布失败时调用 onFail，onFail 为 nil 的事件只记录日志
func (p *Processor) publish(ev *mq.Event, onFail func()) {
	if p.bridge == nil {
		return
	}
	key := ev.Key
	if key == "" {
		key = ev.ID
	}
	submitted := p.pool.SubmitKeyed(key, func() {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.PublishTimeout)
		defer cancel()
		if err := p.bridge.Publish(ctx, ev); err != nil {
			metrics.BridgePublishErrors.WithLabelValues(string(ev.Kind)).Inc()
			zap.L().Warn("bridge publish failed",
				zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID), zap.Error(err))
			if onFail != nil {
				onFail()
			}
			return
		}
		metrics.Deliveries.WithLabelValues("remote").Inc()
	})
	if !submitted {
		metrics.BridgePublishErrors.WithLabelValues(string(ev.Kind)).Inc()
		if onFail != nil {
			onFail()
		}
	}
}

// newEvent 构造一个面向 targets 的投递事件
func (p *Processor) newEvent(kind mq.EventKind, key string, frame []byte, targets []string) *mq.Event {
	ev := mq.NewEvent(kind, p.opts.NodeID)
	ev.Key = key
	ev.Frame = frame
	ev.TargetUserIDs = targets
	return ev
}

// excludeSession 跳过发起请求的设备自身
func excludeSession(s *session.Session) func(userID, deviceID string) bool {
	return func(userID, deviceID string) bool {
		return userID == s.UserID && (deviceID == s.DeviceID || deviceID == "")
	}
}

// excludeUser 跳过某个用户的全部设备
func excludeUser(userID string) func(string, string) bool {
	return func(uid, _ string) bool {
		return uid == userID
	}
}
