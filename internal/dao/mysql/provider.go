// Package mysql 提供 Repository 层聚合与构造
package mysql

import (
	"gorm.io/gorm"

	"im_core_server/internal/dao/mysql/repository"
)

// Repositories 聚合所有 Repository 实例
// 作为依赖注入的入口，Service 层通过此结构访问数据层
type Repositories struct {
	db               *gorm.DB
	Message          repository.MessageRepository
	Conversation     repository.ConversationRepository
	UserConversation repository.UserConversationRepository
	OfflineMessage   repository.OfflineMessageRepository
	DeviceSync       repository.DeviceSyncRepository
}

// NewRepositories 创建所有 Repository 实例
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:               db,
		Message:          repository.NewMessageRepository(db),
		Conversation:     repository.NewConversationRepository(db),
		UserConversation: repository.NewUserConversationRepository(db),
		OfflineMessage:   repository.NewOfflineMessageRepository(db),
		DeviceSync:       repository.NewDeviceSyncRepository(db),
	}
}
