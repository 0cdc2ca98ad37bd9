// Package config 提供应用程序的配置加载和管理功能
// 使用 TOML 格式的配置文件，支持多路径查找和命令行指定路径
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml" // TOML 配置文件解析库

	"im_core_server/pkg/constants"
)

// MainConfig 主配置，包含应用基本信息
type MainConfig struct {
	AppName     string `toml:"appName"`     // 应用名称，用于日志标识等
	Host        string `toml:"host"`        // 服务器监听地址，如 "0.0.0.0"
	Port        int    `toml:"port"`        // 服务器监听端口，如 8000
	NodeID      string `toml:"nodeId"`      // 集群内节点标识，跨节点事件据此过滤自身回环
	Mode        string `toml:"mode"`        // 运行模式：dev 或 release
	Storage     string `toml:"storage"`     // 存储后端："mysql" 或 "memory"（单机调试）
	TLSRedirect bool   `toml:"tlsRedirect"` // 是否启用 HTTPS 重定向中间件
}

// MysqlConfig MySQL 数据库连接配置
type MysqlConfig struct {
	Host         string `toml:"host"`         // MySQL 服务器地址
	Port         int    `toml:"port"`         // MySQL 端口，默认 3306
	User         string `toml:"user"`         // 数据库用户名
	Password     string `toml:"password"`     // 数据库密码
	DatabaseName string `toml:"databaseName"` // 数据库名称
	MaxOpenConns int    `toml:"maxOpenConns"` // 连接池最大连接数
	MaxIdleConns int    `toml:"maxIdleConns"` // 连接池最大空闲连接数
	AutoMigrate  bool   `toml:"autoMigrate"`  // 启动时是否自动建表
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Host        string        `toml:"host"`        // Redis 服务器地址
	Port        int           `toml:"port"`        // Redis 端口，默认 6379
	Password    string        `toml:"password"`    // Redis 密码，无密码留空
	Db          int           `toml:"db"`          // Redis 数据库编号，默认 0
	Enabled     bool          `toml:"enabled"`     // 是否启用 Redis（在线目录依赖它）
	PresenceTTL time.Duration `toml:"presenceTTL"` // 在线目录 key 的过期时间，心跳续期
	NodeTTL     time.Duration `toml:"nodeTTL"`     // 节点存活标记过期时间，超时未续期的节点视为宕机
}

// LogConfig 日志配置，使用 lumberjack 进行日志轮转
type LogConfig struct {
	LogPath    string `toml:"logPath"`    // 日志文件存储目录
	FileName   string `toml:"fileName"`   // 日志文件名
	MaxSize    int    `toml:"maxSize"`    // 单个日志文件最大大小（MB）
	MaxBackups int    `toml:"maxBackups"` // 保留旧日志文件的最大个数
	MaxAge     int    `toml:"maxAge"`     // 保留旧日志文件的最大天数
	Level      string `toml:"level"`      // 日志级别：debug, info, warn, error
}

// KafkaConfig Kafka 配置，bridgeConfig.mode = "kafka" 时生效
type KafkaConfig struct {
	HostPort    string        `toml:"hostPort"`    // Kafka 服务器地址，多个用逗号分隔
	BridgeTopic string        `toml:"bridgeTopic"` // 跨节点事件主题
	GroupPrefix string        `toml:"groupPrefix"` // 消费组前缀，实际组名为 前缀+nodeId
	Timeout     time.Duration `toml:"timeout"`     // 写入超时时间
}

// JWTConfig JWT 认证配置
type JWTConfig struct {
	Secret             string `toml:"secret"`             // JWT 签名密钥，建议 32 字符以上
	AccessTokenExpiry  int    `toml:"accessTokenExpiry"`  // Access Token 有效期（分钟）
	RefreshTokenExpiry int    `toml:"refreshTokenExpiry"` // Refresh Token 有效期（小时）
}

// SnowflakeConfig 雪花算法配置
type SnowflakeConfig struct {
	MachineID int64 `toml:"machineId"` // 雪花算法节点 ID，范围 0-1023，分布式部署时每台机器需唯一
}

// SessionConfig 长连接与会话注册表配置
type SessionConfig struct {
	InactivityTimeout time.Duration `toml:"inactivityTimeout"` // 无入站帧多久判定为失活
	SweepInterval     time.Duration `toml:"sweepInterval"`     // 失活扫描周期
	WriteWait         time.Duration `toml:"writeWait"`         // 单帧写超时
	PingPeriod        time.Duration `toml:"pingPeriod"`        // 传输层 ping 周期
	SendBufferSize    int           `toml:"sendBufferSize"`    // 单连接发送队列长度
	MaxDevicesPerUser int           `toml:"maxDevicesPerUser"` // 单用户在线设备上限
	MaxFrameBytes     int64         `toml:"maxFrameBytes"`     // 单帧最大字节数
}

// OfflineConfig 离线队列配置
type OfflineConfig struct {
	TTL           time.Duration `toml:"ttl"`           // 离线记录保留时长
	MaxRetry      int           `toml:"maxRetry"`      // 最多返回次数，超过即过期
	PurgeInterval time.Duration `toml:"purgeInterval"` // 清理已投递/已过期记录的周期
	BatchSize     int           `toml:"batchSize"`     // 单次离线同步返回条数
}

// SyncConfig 增量同步配置
type SyncConfig struct {
	PageSize int `toml:"pageSize"` // 单次 SYNC_RESPONSE 的消息条数上限
}

// BridgeConfig 跨节点事件总线配置
type BridgeConfig struct {
	Mode            string        `toml:"mode"`            // "channel"（单机）、"redis" 或 "kafka"
	Channel         string        `toml:"channel"`         // redis 模式下的 pub/sub 频道
	BufferSize      int           `toml:"bufferSize"`      // channel 模式的缓冲长度
	PoolSize        int           `toml:"poolSize"`        // 发布工作池的 worker 数
	PoolQueueSize   int           `toml:"poolQueueSize"`   // 每个 worker 的任务队列长度
	BreakerFailures uint32        `toml:"breakerFailures"` // 连续失败多少次后熔断
	BreakerOpenFor  time.Duration `toml:"breakerOpenFor"`  // 熔断持续时间
	PublishTimeout  time.Duration `toml:"publishTimeout"`  // 单次发布超时
}

// MessageConfig 消息处理配置
type MessageConfig struct {
	RecallWindow    time.Duration `toml:"recallWindow"`    // 发送者可撤回的时间窗口，0 表示不限
	DedupeCacheSize int           `toml:"dedupeCacheSize"` // clientMsgId 去重缓存条数
	MemberCacheSize int           `toml:"memberCacheSize"` // 会话成员缓存条数
	MemberCacheTTL  time.Duration `toml:"memberCacheTTL"`  // 会话成员缓存过期时间
	ConvLockStripes int           `toml:"convLockStripes"` // 会话顺序锁的分段数
}

// Config 应用程序总配置，聚合所有子配置
type Config struct {
	MainConfig      `toml:"mainConfig"`      // 主配置
	MysqlConfig     `toml:"mysqlConfig"`     // MySQL 配置
	RedisConfig     `toml:"redisConfig"`     // Redis 配置
	LogConfig       `toml:"logConfig"`       // 日志配置
	KafkaConfig     `toml:"kafkaConfig"`     // Kafka 配置
	JWTConfig       `toml:"jwtConfig"`       // JWT 配置
	SnowflakeConfig `toml:"snowflakeConfig"` // 雪花算法配置
	SessionConfig   `toml:"sessionConfig"`   // 会话配置
	OfflineConfig   `toml:"offlineConfig"`   // 离线队列配置
	SyncConfig      `toml:"syncConfig"`      // 同步配置
	BridgeConfig    `toml:"bridgeConfig"`    // 跨节点总线配置
	MessageConfig   `toml:"messageConfig"`   // 消息处理配置
}

// config 全局配置单例，延迟加载
var config *Config

// searchPaths 候选配置文件路径（优先加载本地配置）
var searchPaths = []string{
	"configs/config_local.toml",       // 本地开发配置（优先）
	"configs/config.toml",             // 默认配置
	"../../configs/config_local.toml", // 从子目录运行时的路径
	"../../configs/config.toml",       // 从子目录运行时的路径
}

// LoadConfig 加载配置文件
// path 非空时只加载该文件；否则按顺序尝试候选路径，找到第一个可用的即停止
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		cfg.applyDefaults()
		config = cfg
		return cfg, nil
	}

	for _, p := range searchPaths {
		if _, err := toml.DecodeFile(p, cfg); err == nil {
			cfg.applyDefaults()
			config = cfg
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("could not find configuration file in any of the search paths")
}

// GetConfig 获取全局配置实例（单例模式）
// 首次调用时会自动按候选路径加载，失败则使用默认值
func GetConfig() *Config {
	if config == nil {
		if _, err := LoadConfig(""); err != nil {
			config = Default()
		}
	}
	return config
}

// Default 返回一份全部字段都填好默认值的配置
func Default() *Config {
	cfg := &Config{
		MainConfig: MainConfig{AppName: "im_core", Host: "0.0.0.0", Port: 8000, Mode: "dev", Storage: "mysql"},
		LogConfig:  LogConfig{LogPath: "./logs", FileName: "im_core.log", MaxSize: 100, MaxBackups: 10, MaxAge: 30, Level: "info"},
		JWTConfig:  JWTConfig{AccessTokenExpiry: 15, RefreshTokenExpiry: 168},
		// 撤回时限显式写 0 表示不限制，因此默认值只在这里给出
		MessageConfig: MessageConfig{RecallWindow: constants.DEFAULT_RECALL_WINDOW},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults 为未配置的字段补默认值
func (c *Config) applyDefaults() {
	if c.MainConfig.NodeID == "" {
		c.MainConfig.NodeID = fmt.Sprintf("node-%d", c.SnowflakeConfig.MachineID)
	}
	if c.MainConfig.Mode == "" {
		c.MainConfig.Mode = "dev"
	}
	if c.MainConfig.Storage == "" {
		c.MainConfig.Storage = "mysql"
	}
	if c.RedisConfig.PresenceTTL <= 0 {
		c.RedisConfig.PresenceTTL = 5 * time.Minute
	}
	if c.RedisConfig.NodeTTL <= 0 {
		c.RedisConfig.NodeTTL = 30 * time.Second
	}
	if c.KafkaConfig.BridgeTopic == "" {
		c.KafkaConfig.BridgeTopic = "im-bridge"
	}
	if c.KafkaConfig.GroupPrefix == "" {
		c.KafkaConfig.GroupPrefix = "im-bridge-"
	}
	if c.KafkaConfig.Timeout <= 0 {
		c.KafkaConfig.Timeout = 3 * time.Second
	}

	s := &c.SessionConfig
	if s.InactivityTimeout <= 0 {
		s.InactivityTimeout = constants.DEFAULT_INACTIVITY_TIMEOUT
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = s.InactivityTimeout / 4
	}
	if s.WriteWait <= 0 {
		s.WriteWait = 10 * time.Second
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 30 * time.Second
	}
	if s.SendBufferSize <= 0 {
		s.SendBufferSize = constants.CHANNEL_SIZE
	}
	if s.MaxDevicesPerUser <= 0 {
		s.MaxDevicesPerUser = constants.DEFAULT_MAX_DEVICES_PER_USER
	}
	if s.MaxFrameBytes <= 0 {
		s.MaxFrameBytes = 64 << 10
	}

	o := &c.OfflineConfig
	if o.TTL <= 0 {
		o.TTL = constants.DEFAULT_OFFLINE_TTL
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = constants.DEFAULT_OFFLINE_MAX_RETRY
	}
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}

	if c.SyncConfig.PageSize <= 0 {
		c.SyncConfig.PageSize = constants.DEFAULT_SYNC_PAGE_SIZE
	}

	b := &c.BridgeConfig
	if b.Mode == "" {
		b.Mode = "channel"
	}
	if b.Channel == "" {
		b.Channel = constants.REDIS_BRIDGE_CHANNEL
	}
	if b.BufferSize <= 0 {
		b.BufferSize = 1024
	}
	if b.PoolSize <= 0 {
		b.PoolSize = 8
	}
	if b.PoolQueueSize <= 0 {
		b.PoolQueueSize = 256
	}
	if b.BreakerFailures == 0 {
		b.BreakerFailures = 5
	}
	if b.BreakerOpenFor <= 0 {
		b.BreakerOpenFor = 10 * time.Second
	}
	if b.PublishTimeout <= 0 {
		b.PublishTimeout = 2 * time.Second
	}

	m := &c.MessageConfig
	if m.RecallWindow < 0 {
		m.RecallWindow = 0
	}
	if m.DedupeCacheSize <= 0 {
		m.DedupeCacheSize = 10000
	}
	if m.MemberCacheSize <= 0 {
		m.MemberCacheSize = 4096
	}
	if m.MemberCacheTTL <= 0 {
		m.MemberCacheTTL = 30 * time.Second
	}
	if m.ConvLockStripes <= 0 {
		m.ConvLockStripes = 256
	}
}
