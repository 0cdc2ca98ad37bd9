// Package chat 实现长连接上的业务处理
// processor.go
// 核心职责：连接生命周期与帧分发
// 1. Connect / Disconnect：登记注册表、设备名册、在线目录，最后一个设备下线时广播
// 2. HandleFrame：刷新活跃时间、解码、按类型查表分发
// 3. 处理器 panic 在分发边界被捕获，回复 SERVER_ERROR，连接保持
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"im_core_server/internal/dao/mysql/repository"
	"im_core_server/internal/infrastructure/logger"
	"im_core_server/internal/infrastructure/metrics"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/infrastructure/workerpool"
	"im_core_server/internal/model"
	"im_core_server/internal/protocol"
	"im_core_server/internal/service/offline"
	"im_core_server/internal/service/session"
	"im_core_server/pkg/constants"
	"im_core_server/pkg/errorx"
	"im_core_server/pkg/util/snowflake"
)

// ErrProtocolViolation 连续收到无法解析的帧，网关将关闭连接
var ErrProtocolViolation = errors.New("chat: too many malformed frames")

// errSessionGone 连接已不在注册表中（被顶替或被清理），停止读取
var errSessionGone = errors.New("chat: session no longer registered")

// Directory 集群在线目录，记录设备连接在哪个节点
// redis.Presence 是唯一实现；为 nil 时只依据本节点注册表
type Directory interface {
	SetOnline(ctx context.Context, userID, deviceID, nodeID string) error
	SetOffline(ctx context.Context, userID, deviceID, nodeID string) error
	DevicesOf(ctx context.Context, userIDs []string) (map[string]map[string]string, error)
}

// Deps 处理器依赖
type Deps struct {
	Registry          *session.Registry
	Messages          repository.MessageRepository
	Conversations     repository.ConversationRepository
	UserConversations repository.UserConversationRepository
	Offline           *offline.Queue
	Directory         Directory // 可选
	Bridge            mq.Bridge // 可选，单机部署可为 nil
	Pool              *workerpool.Pool
}

// Options 处理器参数
type Options struct {
	NodeID            string
	RecallWindow      time.Duration // 0 表示不限
	SyncPageSize      int
	OfflineBatchSize  int
	DedupeCacheSize   int
	MemberCacheSize   int
	MemberCacheTTL    time.Duration
	ConvLockStripes   int
	HandlerTimeout    time.Duration
	PublishTimeout    time.Duration
	MaxDecodeFailures int
}

func (o *Options) applyDefaults() {
	if o.NodeID == "" {
		o.NodeID = "node-1"
	}
	if o.RecallWindow < 0 {
		o.RecallWindow = 0
	}
	if o.SyncPageSize <= 0 {
		o.SyncPageSize = constants.DEFAULT_SYNC_PAGE_SIZE
	}
	if o.OfflineBatchSize <= 0 {
		o.OfflineBatchSize = constants.DEFAULT_SYNC_PAGE_SIZE
	}
	if o.DedupeCacheSize <= 0 {
		o.DedupeCacheSize = 10000
	}
	if o.MemberCacheSize <= 0 {
		o.MemberCacheSize = 4096
	}
	if o.MemberCacheTTL <= 0 {
		o.MemberCacheTTL = 30 * time.Second
	}
	if o.ConvLockStripes <= 0 {
		o.ConvLockStripes = 256
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 3 * time.Second
	}
	if o.MaxDecodeFailures <= 0 {
		o.MaxDecodeFailures = 5
	}
}

type handlerFunc func(ctx context.Context, s *session.Session, pkt *protocol.Packet) error

// Processor 实现 websocket.FrameHandler
type Processor struct {
	registry      *session.Registry
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	userConvs     repository.UserConversationRepository
	offline       *offline.Queue
	directory     Directory
	bridge        mq.Bridge
	pool          *workerpool.Pool
	opts          Options

	handlers map[protocol.PacketType]handlerFunc

	// sent 最近发送成功的 (senderId, clientMsgId) -> ack，拦截客户端重发
	sent *lru.Cache[string, protocol.ChatMessageAck]
	// members 会话成员缓存
	members   *expirable.LRU[string, []model.UserConversation]
	convLocks *stripedLock

	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
	nextID func() int64
}

// NewProcessor 创建处理器并注册到注册表的顶替通知
func NewProcessor(deps Deps, opts Options) (*Processor, error) {
	opts.applyDefaults()
	sent, err := lru.New[string, protocol.ChatMessageAck](opts.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	pool := deps.Pool
	if pool == nil {
		pool = workerpool.New("chat", 4, constants.CHANNEL_SIZE)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		registry:      deps.Registry,
		messages:      deps.Messages,
		conversations: deps.Conversations,
		userConvs:     deps.UserConversations,
		offline:       deps.Offline,
		directory:     deps.Directory,
		bridge:        deps.Bridge,
		pool:          pool,
		opts:          opts,
		sent:          sent,
		members:       expirable.NewLRU[string, []model.UserConversation](opts.MemberCacheSize, nil, opts.MemberCacheTTL),
		convLocks:     newStripedLock(opts.ConvLockStripes),
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
		nextID:        snowflake.GenerateID,
	}
	p.handlers = map[protocol.PacketType]handlerFunc{
		protocol.TypeLogin:                 p.handleLogin,
		protocol.TypeLogout:                p.handleLogout,
		protocol.TypeHeartbeat:             p.handleHeartbeat,
		protocol.TypeChatMessage:           p.handleChatMessage,
		protocol.TypeTyping:                p.handleTyping,
		protocol.TypeReadAck:               p.handleReadAck,
		protocol.TypeRecallMessage:         p.handleRecall,
		protocol.TypeSyncRequest:           p.handleSyncRequest,
		protocol.TypeOfflineSyncRequest:    p.handleOfflineSyncRequest,
		protocol.TypeOfflineSyncAck:        p.handleOfflineSyncAck,
		protocol.TypeOnlineStatusRequest:   p.handleOnlineStatusRequest,
		protocol.TypeOnlineStatusSubscribe: p.handleOnlineStatusSubscribe,
	}
	p.registry.OnReplace(p.kickReplaced)
	return p, nil
}

// Close 等待工作池中已提交的任务完成，然后取消进行中的请求
func (p *Processor) Close() {
	p.pool.Close()
	p.cancel()
}

// Connect 登记已认证的连接
// 1. 注册表登记，设备数超限时回复 SERVER_ERROR 并拒绝
// 2. 登记设备名册，离线扇出据此为未连接的设备建离线记录
// 3. 更新在线目录；设备上次连接在其他节点时通知对方踢下线
func (p *Processor) Connect(conn session.Conn, id session.Identity) error {
	reg, err := p.registry.Register(conn, id)
	if err != nil {
		if frame, encErr := protocol.Encode(protocol.TypeServerError, toServerError(err, "")); encErr == nil {
			conn.Send(frame)
		}
		return err
	}
	p.updateGauges()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandlerTimeout)
	defer cancel()
	if err := p.offline.TouchDevice(ctx, id.UserID, id.DeviceID, id.DeviceType); err != nil {
		zap.L().Warn("touch device roster failed", append(p.fields(reg.Session), zap.Error(err))...)
	}

	if p.directory == nil {
		p.publishKick(id.UserID, id.DeviceID)
		return nil
	}
	previous, err := p.directory.DevicesOf(ctx, []string{id.UserID})
	if err != nil {
		zap.L().Warn("presence lookup failed", append(p.fields(reg.Session), zap.Error(err))...)
	}
	if err := p.directory.SetOnline(ctx, id.UserID, id.DeviceID, p.opts.NodeID); err != nil {
		zap.L().Warn("presence set online failed", append(p.fields(reg.Session), zap.Error(err))...)
	}
	if node, ok := previous[id.UserID][id.DeviceID]; ok && node != p.opts.NodeID {
		p.publishKick(id.UserID, id.DeviceID)
	}
	return nil
}

// Disconnect 连接结束，注销会话；重复调用为空操作
func (p *Processor) Disconnect(conn session.Conn) {
	if removal := p.registry.Unregister(conn); removal != nil {
		p.afterRemoval(removal)
	}
}

// OnSwept 注册表清理掉不活跃会话后的回调
func (p *Processor) OnSwept(removal *session.Removal) {
	p.afterRemoval(removal)
}

// afterRemoval 会话注销后的副作用：在线目录、最后一个设备下线时广播
func (p *Processor) afterRemoval(removal *session.Removal) {
	s := removal.Session
	p.updateGauges()
	zap.L().Info("session removed", append(p.fields(s), zap.Bool("last_device", removal.LastDevice))...)

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandlerTimeout)
	defer cancel()
	if p.directory != nil {
		if err := p.directory.SetOffline(ctx, s.UserID, s.DeviceID, p.opts.NodeID); err != nil {
			zap.L().Warn("presence set offline failed", append(p.fields(s), zap.Error(err))...)
		}
	}
	if !removal.LastDevice {
		return
	}
	status := p.statusOf(ctx, []string{s.UserID})[0]
	if status.Online {
		// 用户在其他节点仍有设备
		return
	}
	p.broadcastPresence(status)
}

// HandleFrame 处理一帧
func (p *Processor) HandleFrame(conn session.Conn, frame []byte) error {
	s := p.registry.Lookup(conn.ID())
	if s == nil {
		return errSessionGone
	}
	p.registry.Touch(conn.ID())

	pkt, err := protocol.Decode(frame)
	if err != nil {
		failures := s.DecodeFailed()
		zap.L().Info("malformed frame", append(p.fields(s), zap.Int("failures", failures), zap.Error(err))...)
		p.replyError(s, "", errorx.Wrap(err, errorx.CodeInvalidParam, "无法解析的数据帧"))
		if failures >= p.opts.MaxDecodeFailures {
			return ErrProtocolViolation
		}
		return nil
	}
	s.DecodeSucceeded()
	p.dispatch(s, pkt)
	return nil
}

// dispatch 查表分发，未知类型只记录日志
func (p *Processor) dispatch(s *session.Session, pkt *protocol.Packet) {
	handler, ok := p.handlers[pkt.Type]
	if !ok {
		zap.L().Info("unknown packet type dropped", append(p.fields(s), zap.String("type", string(pkt.Type)))...)
		return
	}
	metrics.Packets.WithLabelValues(string(pkt.Type)).Inc()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandlerTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.Inc()
			zap.L().Error("packet handler panic",
				append(p.fields(s), zap.String("type", string(pkt.Type)), zap.Any("recover", rec), zap.Stack("stack"))...)
			p.replyError(s, pkt.Type, errorx.ErrServerBusy)
		}
	}()

	if err := handler(ctx, s, pkt); err != nil {
		metrics.PacketErrors.WithLabelValues(string(pkt.Type)).Inc()
		if isInternal(err) {
			zap.L().Error("packet handler failed", append(p.fields(s), zap.String("type", string(pkt.Type)), zap.Error(err))...)
		} else {
			zap.L().Info("packet rejected", append(p.fields(s), zap.String("type", string(pkt.Type)), zap.Error(err))...)
		}
		p.replyError(s, pkt.Type, err)
	}
}

// send 只写给注册表中仍然有效的会话
func (p *Processor) send(s *session.Session, frame []byte) bool {
	if !p.registry.IsCurrent(s) {
		return false
	}
	return s.Conn.Send(frame)
}

// reply 编码并回复给请求方
func (p *Processor) reply(s *session.Session, t protocol.PacketType, data any) {
	frame, err := protocol.Encode(t, data)
	if err != nil {
		zap.L().Error("encode packet failed", append(p.fields(s), zap.String("type", string(t)), zap.Error(err))...)
		return
	}
	p.send(s, frame)
}

func (p *Processor) replyError(s *session.Session, requestType protocol.PacketType, err error) {
	p.reply(s, protocol.TypeServerError, toServerError(err, requestType))
}

// toServerError 内部错误（数据库、缓存、总线）不向客户端暴露细节
func toServerError(err error, requestType protocol.PacketType) protocol.ServerError {
	var codeErr *errorx.CodeError
	if isInternal(err) || !errors.As(err, &codeErr) {
		return protocol.ServerError{Code: errorx.CodeServerBusy, Msg: errorx.ErrServerBusy.Msg, RequestType: requestType}
	}
	return protocol.ServerError{Code: codeErr.Code, Msg: codeErr.Msg, RequestType: requestType}
}

func isInternal(err error) bool {
	switch errorx.GetCode(err) {
	case errorx.CodeServerBusy, errorx.CodeDBError, errorx.CodeCacheError, errorx.CodeBrokerError:
		return true
	}
	return false
}

func (p *Processor) fields(s *session.Session) []zap.Field {
	return logger.ConnFields(s.ConnID(), s.UserID, s.DeviceID)
}

func (p *Processor) updateGauges() {
	metrics.Connections.Set(float64(p.registry.ConnectionCount()))
	metrics.OnlineUsers.Set(float64(p.registry.OnlineUserCount()))
}
