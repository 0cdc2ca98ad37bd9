// Package app 组装各层依赖并管理进程生命周期
// 启动顺序：存储 → 在线目录 → 事件总线 → 注册表与消息处理器 → HTTP
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"im_core_server/internal/config"
	"im_core_server/internal/dao/memory"
	"im_core_server/internal/dao/mysql"
	"im_core_server/internal/dao/mysql/repository"
	myredis "im_core_server/internal/dao/redis"
	"im_core_server/internal/gateway/websocket"
	"im_core_server/internal/handler"
	"im_core_server/internal/https_server"
	"im_core_server/internal/infrastructure/mq"
	"im_core_server/internal/infrastructure/workerpool"
	"im_core_server/internal/service/chat"
	"im_core_server/internal/service/offline"
	"im_core_server/internal/service/session"
)

// shutdownTimeout HTTP 服务优雅关闭的等待上限
const shutdownTimeout = 10 * time.Second

// storage 存储后端需要提供的 Repository 集合
type storage struct {
	messages          repository.MessageRepository
	conversations     repository.ConversationRepository
	userConversations repository.UserConversationRepository
	offlineMessages   repository.OfflineMessageRepository
	deviceSync        repository.DeviceSyncRepository
	pinger            handler.Pinger
}

// App 一个节点的全部运行时组件
type App struct {
	conf *config.Config

	registry  *session.Registry
	offline   *offline.Queue
	processor *chat.Processor
	bridge    mq.Bridge
	redis     *goredis.Client
	presence  *myredis.Presence
	engine    *gin.Engine
}

// New 按配置创建节点，任何依赖初始化失败都直接返回错误
func New(conf *config.Config) (*App, error) {
	a := &App{conf: conf}

	// 1. 存储
	store, err := openStorage(conf)
	if err != nil {
		return nil, err
	}

	// 2. 在线目录，未启用 Redis 时按单机视角运行
	var directory chat.Directory
	checks := map[string]handler.Pinger{"storage": store.pinger}
	if conf.RedisConfig.Enabled || conf.BridgeConfig.Mode == "redis" {
		a.redis = myredis.NewClient(&conf.RedisConfig)
	}
	if conf.RedisConfig.Enabled {
		presence := myredis.NewPresence(a.redis, conf.RedisConfig.PresenceTTL, conf.RedisConfig.NodeTTL)
		a.presence = presence
		directory = presence
		checks["presence"] = presence
	}

	// 3. 事件总线，外层套熔断
	bridge, err := newBridge(conf, a.redis)
	if err != nil {
		a.closeRedis()
		return nil, err
	}
	a.bridge = mq.WithBreaker(bridge, "bridge-"+conf.BridgeConfig.Mode,
		conf.BridgeConfig.BreakerFailures, conf.BridgeConfig.BreakerOpenFor)
	checks["bridge"] = a.bridge

	// 4. 注册表、离线队列与消息处理器
	a.registry = session.NewRegistry(session.WithMaxDevices(conf.SessionConfig.MaxDevicesPerUser))
	a.offline = offline.NewQueue(store.offlineMessages, store.deviceSync, offline.Options{
		TTL:      conf.OfflineConfig.TTL,
		MaxRetry: conf.OfflineConfig.MaxRetry,
	})
	pool := workerpool.New("bridge-publish", conf.BridgeConfig.PoolSize, conf.BridgeConfig.PoolQueueSize)
	a.processor, err = chat.NewProcessor(chat.Deps{
		Registry:          a.registry,
		Messages:          store.messages,
		Conversations:     store.conversations,
		UserConversations: store.userConversations,
		Offline:           a.offline,
		Directory:         directory,
		Bridge:            a.bridge,
		Pool:              pool,
	}, chat.Options{
		NodeID:           conf.MainConfig.NodeID,
		RecallWindow:     conf.MessageConfig.RecallWindow,
		SyncPageSize:     conf.SyncConfig.PageSize,
		OfflineBatchSize: conf.OfflineConfig.BatchSize,
		DedupeCacheSize:  conf.MessageConfig.DedupeCacheSize,
		MemberCacheSize:  conf.MessageConfig.MemberCacheSize,
		MemberCacheTTL:   conf.MessageConfig.MemberCacheTTL,
		ConvLockStripes:  conf.MessageConfig.ConvLockStripes,
		PublishTimeout:   conf.BridgeConfig.PublishTimeout,
	})
	if err != nil {
		pool.Close()
		_ = a.bridge.Close()
		a.closeRedis()
		return nil, err
	}

	// 5. HTTP 与长连接网关
	gateway := websocket.NewGateway(a.processor, websocket.ConnOptions{
		WriteWait:      conf.SessionConfig.WriteWait,
		PingPeriod:     conf.SessionConfig.PingPeriod,
		SendBufferSize: conf.SessionConfig.SendBufferSize,
		MaxFrameBytes:  conf.SessionConfig.MaxFrameBytes,
	})
	handlers := handler.NewHandlers(
		handler.NewWsHandler(gateway),
		handler.NewHealthHandler(conf.MainConfig.NodeID, a.registry, checks),
	)
	a.engine = https_server.Init(handlers, &conf.MainConfig)
	return a, nil
}

func openStorage(conf *config.Config) (*storage, error) {
	switch conf.MainConfig.Storage {
	case "memory":
		zap.L().Warn("using in-memory storage, data is lost on restart")
		s := memory.NewStore()
		return &storage{
			messages:          s.Messages(),
			conversations:     s.Conversations(),
			userConversations: s.UserConversations(),
			offlineMessages:   s.OfflineMessages(),
			deviceSync:        s.DeviceSync(),
			pinger:            s,
		}, nil
	case "mysql":
		repos, err := mysql.Init(&conf.MysqlConfig)
		if err != nil {
			return nil, err
		}
		return &storage{
			messages:          repos.Message,
			conversations:     repos.Conversation,
			userConversations: repos.UserConversation,
			offlineMessages:   repos.OfflineMessage,
			deviceSync:        repos.DeviceSync,
			pinger:            repos,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.MainConfig.Storage)
	}
}

func newBridge(conf *config.Config, client *goredis.Client) (mq.Bridge, error) {
	switch conf.BridgeConfig.Mode {
	case "channel":
		return mq.NewChannelBridge(nil, conf.BridgeConfig.BufferSize), nil
	case "redis":
		return mq.NewRedisBridge(client, conf.BridgeConfig.Channel), nil
	case "kafka":
		return mq.NewKafkaBridge(&conf.KafkaConfig, conf.MainConfig.NodeID), nil
	default:
		return nil, fmt.Errorf("unknown bridge mode %q", conf.BridgeConfig.Mode)
	}
}

// Handler 返回 HTTP 入口，测试中直接挂到 httptest.Server
func (a *App) Handler() http.Handler {
	return a.engine
}

// Run 启动全部后台任务并阻塞，ctx 取消后优雅退出
// 任一任务返回错误时其余任务随之停止
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	addr := a.conf.MainConfig.Host + ":" + strconv.Itoa(a.conf.MainConfig.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		zap.L().Info("http server listening", zap.String("addr", addr), zap.String("node_id", a.conf.MainConfig.NodeID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := a.processor.RunBridge(ctx); err != nil {
			return fmt.Errorf("bridge consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.registry.RunSweeper(ctx, a.conf.SessionConfig.SweepInterval, a.conf.SessionConfig.InactivityTimeout, a.processor.OnSwept)
		return nil
	})
	if a.presence != nil {
		g.Go(func() error {
			a.presence.RunNodeHeartbeat(ctx, a.conf.MainConfig.NodeID)
			return nil
		})
	}
	g.Go(func() error {
		a.offline.RunPurger(ctx, a.conf.OfflineConfig.PurgeInterval, a.conf.OfflineConfig.BatchSize)
		return nil
	})

	return g.Wait()
}

// Close 断开所有长连接并释放外部资源，在 Run 返回后调用
// 连接被 hijack 后不受 http.Server.Shutdown 管理，需要在这里逐个关闭
func (a *App) Close() {
	a.registry.Range(func(s *session.Session) bool {
		_ = s.Conn.Close()
		return true
	})
	a.processor.Close()
	if err := a.bridge.Close(); err != nil {
		zap.L().Warn("close bridge failed", zap.Error(err))
	}
	a.closeRedis()
	zap.L().Info("node stopped", zap.String("node_id", a.conf.MainConfig.NodeID))
}

func (a *App) closeRedis() {
	if a.redis == nil {
		return
	}
	if err := a.redis.Close(); err != nil {
		zap.L().Warn("close redis failed", zap.Error(err))
	}
}
