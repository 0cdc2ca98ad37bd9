// Package session 实现会话注册表：谁在线、在哪条连接上
// 本文件定义 Session 与连接句柄抽象
package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// Conn 连接句柄
// ID 是稳定可比较的连接标识，用作注册表的 key；Send/Close 只负责写帧和关闭，不参与业务判断
type Conn interface {
	ID() string
	// Send 非阻塞入队一帧；连接已关闭或发送队列满时返回 false
	Send(frame []byte) bool
	// Close 幂等关闭连接
	Close() error
}

// Identity 经网关认证后的设备身份
type Identity struct {
	UserID     string
	DeviceID   string
	DeviceType string
}

// Session 一个设备连接与其认证身份的绑定
// 字段在注册后只读；lastActiveAt 与订阅集合并发安全
type Session struct {
	UserID      string
	DeviceID    string
	DeviceType  string
	Conn        Conn
	ConnectedAt time.Time

	lastActiveAt atomic.Int64 // unix nano

	// decodeFailures 连续解码失败次数，只在该连接的读协程中访问
	decodeFailures int

	mu         sync.RWMutex
	subscribed map[string]struct{}
}

func newSession(conn Conn, id Identity, now time.Time) *Session {
	s := &Session{
		UserID:      id.UserID,
		DeviceID:    id.DeviceID,
		DeviceType:  id.DeviceType,
		Conn:        conn,
		ConnectedAt: now,
		subscribed:  make(map[string]struct{}),
	}
	s.lastActiveAt.Store(now.UnixNano())
	return s
}

// ConnID 连接标识
func (s *Session) ConnID() string {
	return s.Conn.ID()
}

// LastActiveAt 最后一次收到入站帧的时间
func (s *Session) LastActiveAt() time.Time {
	return time.Unix(0, s.lastActiveAt.Load())
}

// SubscribedUserIDs 订阅了在线状态的用户
func (s *Session) SubscribedUserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	return ids
}

// DecodeFailed 记录一次解码失败，返回连续失败次数
func (s *Session) DecodeFailed() int {
	s.decodeFailures++
	return s.decodeFailures
}

// DecodeSucceeded 清零连续失败次数
func (s *Session) DecodeSucceeded() {
	s.decodeFailures = 0
}
