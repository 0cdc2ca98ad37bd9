// Package mysql 提供数据访问层的初始化
// 负责建立 MySQL 连接、配置连接池、自动迁移表结构
package mysql

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	mysqldriver "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"im_core_server/internal/config"
	"im_core_server/internal/model"
)

// Init 建立数据库连接并返回 Repository 集合
// 执行步骤：
//  1. 构建 DSN 并打开连接
//  2. 配置连接池
//  3. 按配置执行 AutoMigrate
func Init(conf *config.MysqlConfig) (*Repositories, error) {
	// 1. 构建 DSN，格式：user:password@tcp(host:port)/database?params
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		conf.User, conf.Password, conf.Host, conf.Port, conf.DatabaseName)

	db, err := gorm.Open(mysqldriver.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	// 2. 连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if conf.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if conf.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(conf.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 3. 自动迁移，不会删除已有字段或数据
	if conf.AutoMigrate {
		if err := Migrate(db); err != nil {
			return nil, err
		}
	}

	zap.L().Info("mysql connected", zap.String("host", conf.Host), zap.String("db", conf.DatabaseName))
	return NewRepositories(db), nil
}

// Migrate 创建或更新本服务使用的表
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.Message{},
		&model.Conversation{},
		&model.UserConversation{},
		&model.OfflineMessage{},
		&model.DeviceSyncStatus{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping 检查数据库是否可用
func (r *Repositories) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
