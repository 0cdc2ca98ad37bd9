// Package redis 提供 Redis 相关的数据访问
// 本文件包含连接初始化逻辑，使用 github.com/redis/go-redis/v9 作为底层客户端
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"im_core_server/internal/config"
	"im_core_server/pkg/errorx"
)

// NewClient 根据配置创建 Redis 客户端，并做一次连通性检查
// 检查失败只记录日志：Redis 不可用时在线目录降级为本节点视角
func NewClient(conf *config.RedisConfig) *redis.Client {
	addr := conf.Host + ":" + strconv.Itoa(conf.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     conf.Password,
		DB:           conf.Db,
		PoolSize:     50,
		MinIdleConns: 8,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zap.L().Warn("redis ping failed, presence directory degraded", zap.String("addr", addr), zap.Error(err))
	} else {
		zap.L().Info("redis connected", zap.String("addr", addr))
	}
	return client
}

func wrapCacheError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errorx.Wrapf(err, errorx.CodeCacheError, format, args...)
}
