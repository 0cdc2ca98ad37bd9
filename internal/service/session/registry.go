package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"im_core_server/pkg/constants"
	"im_core_server/pkg/errorx"
)

// Registry 会话注册表，"谁在线" 的唯一事实来源
// 两张并发 map：connId -> Session，userId -> 设备表；没有全局锁，竞争只发生在同一用户上
type Registry struct {
	conns sync.Map // connId -> *Session
	users sync.Map // userId -> *deviceTable
	subs  sync.Map // 被订阅的 userId -> *subscriberSet

	onlineUsers atomic.Int64
	connections atomic.Int64

	maxDevices       int
	maxSubscriptions int
	now              func() time.Time

	// onReplace 旧会话被顶替、连接关闭之前调用，用于下发 KICKED
	onReplace func(old *Session)
}

// deviceTable 单个用户的设备表
// dead 表示该表已从 users 中摘除，持有旧指针的协程需要重新获取
type deviceTable struct {
	mu      sync.Mutex
	devices map[string]*Session
	dead    bool
}

// subscriberSet 清空后从 subs 中移除并置 dead，Subscribe 遇到 dead 的集合重新创建
type subscriberSet struct {
	mu    sync.RWMutex
	conns map[string]*Session
	dead  bool
}

// Option 注册表可选配置
type Option func(*Registry)

// WithMaxDevices 单用户在线设备上限
func WithMaxDevices(n int) Option {
	return func(r *Registry) { r.maxDevices = n }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// OnReplace 注入顶替通知，须在开始服务前调用
func (r *Registry) OnReplace(fn func(old *Session)) {
	r.onReplace = fn
}

// NewRegistry 创建注册表
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		maxDevices:       constants.DEFAULT_MAX_DEVICES_PER_USER,
		maxSubscriptions: constants.MAX_SUBSCRIPTIONS,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registration Register 的结果
type Registration struct {
	Session *Session
	// Replaced 被顶替的同设备旧会话，其连接已关闭
	Replaced *Session
	// FirstDevice 该用户此前没有任何在线设备
	FirstDevice bool
}

// Removal 注销结果
type Removal struct {
	Session *Session
	// LastDevice 该用户已没有在线设备
	LastDevice bool
}

// Register 登记一个已认证的连接
// 同一 (userId, deviceId) 已有会话时先关闭旧连接再放入新会话；新设备超过上限时拒绝
func (r *Registry) Register(conn Conn, id Identity) (*Registration, error) {
	s := newSession(conn, id, r.now())

	for {
		table := r.loadOrCreateTable(id.UserID)
		table.mu.Lock()
		if table.dead {
			table.mu.Unlock()
			continue
		}

		old := table.devices[id.DeviceID]
		if old == nil && len(table.devices) >= r.maxDevices {
			table.mu.Unlock()
			return nil, errorx.Newf(errorx.CodeTooManyDevices, "在线设备数已达上限 %d", r.maxDevices)
		}

		reg := &Registration{Session: s, FirstDevice: len(table.devices) == 0}
		if old != nil {
			// 旧连接在新会话可见之前已关闭；旧会话可能正被并发注销，计数只减一次
			if _, loaded := r.conns.LoadAndDelete(old.ConnID()); loaded {
				r.connections.Add(-1)
			}
			r.dropSubscriptions(old)
			if r.onReplace != nil {
				r.onReplace(old)
			}
			_ = old.Conn.Close()
			reg.Replaced = old
		}
		table.devices[id.DeviceID] = s
		r.conns.Store(conn.ID(), s)
		r.connections.Add(1)
		if reg.FirstDevice {
			r.onlineUsers.Add(1)
		}
		table.mu.Unlock()
		return reg, nil
	}
}

func (r *Registry) loadOrCreateTable(userID string) *deviceTable {
	if v, ok := r.users.Load(userID); ok {
		return v.(*deviceTable)
	}
	v, _ := r.users.LoadOrStore(userID, &deviceTable{devices: make(map[string]*Session)})
	return v.(*deviceTable)
}

// Unregister 按连接标识注销，重复调用为空操作
func (r *Registry) Unregister(conn Conn) *Removal {
	return r.unregister(conn.ID())
}

func (r *Registry) unregister(connID string) *Removal {
	return r.unregisterIf(connID, nil)
}

// unregisterIf cond 非空时只有 cond 返回 true 才注销
func (r *Registry) unregisterIf(connID string, cond func(*Session) bool) *Removal {
	v, ok := r.conns.Load(connID)
	if !ok {
		return nil
	}
	s := v.(*Session)
	if cond != nil && !cond(s) {
		return nil
	}
	if !r.conns.CompareAndDelete(connID, s) {
		return nil
	}
	r.connections.Add(-1)
	r.dropSubscriptions(s)

	removal := &Removal{Session: s}
	tv, ok := r.users.Load(s.UserID)
	if !ok {
		return removal
	}
	table := tv.(*deviceTable)
	table.mu.Lock()
	defer table.mu.Unlock()
	if cur := table.devices[s.DeviceID]; cur == s {
		delete(table.devices, s.DeviceID)
	}
	if len(table.devices) == 0 && !table.dead {
		table.dead = true
		r.users.CompareAndDelete(s.UserID, table)
		r.onlineUsers.Add(-1)
		removal.LastDevice = true
	}
	return removal
}

// Lookup 按连接标识查找
func (r *Registry) Lookup(connID string) *Session {
	if v, ok := r.conns.Load(connID); ok {
		return v.(*Session)
	}
	return nil
}

// IsCurrent 会话是否仍是其连接上登记的那一个；写出前用它丢弃已失效会话的输出
func (r *Registry) IsCurrent(s *Session) bool {
	return r.Lookup(s.ConnID()) == s
}

// LookupByDevice 按 (userId, deviceId) 查找
func (r *Registry) LookupByDevice(userID, deviceID string) *Session {
	tv, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	table := tv.(*deviceTable)
	table.mu.Lock()
	defer table.mu.Unlock()
	return table.devices[deviceID]
}

// SessionsOf 用户全部在线会话
func (r *Registry) SessionsOf(userID string) []*Session {
	tv, ok := r.users.Load(userID)
	if !ok {
		return nil
	}
	table := tv.(*deviceTable)
	table.mu.Lock()
	defer table.mu.Unlock()
	out := make([]*Session, 0, len(table.devices))
	for _, s := range table.devices {
		out = append(out, s)
	}
	return out
}

// IsOnline 用户至少有一个在线设备
func (r *Registry) IsOnline(userID string) bool {
	tv, ok := r.users.Load(userID)
	if !ok {
		return false
	}
	table := tv.(*deviceTable)
	table.mu.Lock()
	defer table.mu.Unlock()
	return len(table.devices) > 0
}

// OnlineUserCount 在线用户数
func (r *Registry) OnlineUserCount() int {
	return int(r.onlineUsers.Load())
}

// ConnectionCount 在线连接数
func (r *Registry) ConnectionCount() int {
	return int(r.connections.Load())
}

// Touch 刷新最后活跃时间
func (r *Registry) Touch(connID string) {
	if s := r.Lookup(connID); s != nil {
		s.lastActiveAt.Store(r.now().UnixNano())
	}
}

// Subscribe 为连接订阅若干用户的在线状态变化，返回超出上限而被忽略的数量
func (r *Registry) Subscribe(connID string, userIDs []string) int {
	s := r.Lookup(connID)
	if s == nil {
		return len(userIDs)
	}
	ignored := 0
	s.mu.Lock()
	added := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		if _, ok := s.subscribed[uid]; ok {
			continue
		}
		if len(s.subscribed) >= r.maxSubscriptions {
			ignored++
			continue
		}
		s.subscribed[uid] = struct{}{}
		added = append(added, uid)
	}
	s.mu.Unlock()

	for _, uid := range added {
		for {
			v, _ := r.subs.LoadOrStore(uid, &subscriberSet{conns: make(map[string]*Session)})
			set := v.(*subscriberSet)
			set.mu.Lock()
			if set.dead {
				set.mu.Unlock()
				continue
			}
			set.conns[s.ConnID()] = s
			set.mu.Unlock()
			break
		}
	}
	// 订阅期间连接可能已被注销，补一次清理
	if !r.IsCurrent(s) {
		r.dropSubscriptions(s)
	}
	return ignored
}

// SubscribersOf 订阅了该用户在线状态的会话
func (r *Registry) SubscribersOf(userID string) []*Session {
	v, ok := r.subs.Load(userID)
	if !ok {
		return nil
	}
	set := v.(*subscriberSet)
	set.mu.RLock()
	defer set.mu.RUnlock()
	out := make([]*Session, 0, len(set.conns))
	for _, s := range set.conns {
		out = append(out, s)
	}
	return out
}

func (r *Registry) dropSubscriptions(s *Session) {
	for _, uid := range s.SubscribedUserIDs() {
		v, ok := r.subs.Load(uid)
		if !ok {
			continue
		}
		set := v.(*subscriberSet)
		set.mu.Lock()
		if set.conns[s.ConnID()] == s {
			delete(set.conns, s.ConnID())
		}
		if len(set.conns) == 0 && !set.dead {
			set.dead = true
			r.subs.CompareAndDelete(uid, set)
		}
		set.mu.Unlock()
	}
}

// SweepInactive 关闭并注销超过 timeout 没有入站帧的会话
func (r *Registry) SweepInactive(timeout time.Duration) []*Removal {
	deadline := r.now().Add(-timeout).UnixNano()
	return r.sweep(r.staleConns(deadline), deadline)
}

func (r *Registry) staleConns(deadline int64) []string {
	var stale []string
	r.conns.Range(func(key, value any) bool {
		if value.(*Session).lastActiveAt.Load() < deadline {
			stale = append(stale, key.(string))
		}
		return true
	})
	return stale
}

// sweep 注销前再检查一次活跃时间，收集之后收到过帧的会话保留
func (r *Registry) sweep(stale []string, deadline int64) []*Removal {
	stillIdle := func(s *Session) bool {
		return s.lastActiveAt.Load() < deadline
	}
	removals := make([]*Removal, 0, len(stale))
	for _, connID := range stale {
		removal := r.unregisterIf(connID, stillIdle)
		if removal == nil {
			continue
		}
		_ = removal.Session.Conn.Close()
		removals = append(removals, removal)
	}
	return removals
}

// RunSweeper 周期性执行 SweepInactive，直到 ctx 取消
// onSwept 在每个被清理的会话上调用，用于下线广播等副作用
func (r *Registry) RunSweeper(ctx context.Context, interval, timeout time.Duration, onSwept func(*Removal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removals := r.SweepInactive(timeout)
			for _, removal := range removals {
				s := removal.Session
				zap.L().Info("sweep inactive session",
					zap.String("conn_id", s.ConnID()), zap.String("user_id", s.UserID),
					zap.String("device_id", s.DeviceID), zap.Time("lastActiveAt", s.LastActiveAt()))
				if onSwept != nil {
					onSwept(removal)
				}
			}
		}
	}
}

// Range 遍历全部会话，fn 返回 false 时停止
func (r *Registry) Range(fn func(*Session) bool) {
	r.conns.Range(func(_, value any) bool {
		return fn(value.(*Session))
	})
}
