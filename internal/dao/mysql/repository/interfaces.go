// Package repository 定义数据访问层接口
// 采用 Repository 模式将数据访问逻辑与业务逻辑分离
// 所有 Repository 接口在此文件定义，MySQL 实现在各自的文件中，内存实现见 dao/memory
package repository

import (
	"context"
	"time"

	"im_core_server/internal/model"
)

// MessageRepository 消息数据访问接口
type MessageRepository interface {
	// Create 持久化一条消息；(senderId, clientMsgId) 重复时返回 CodeConflict
	Create(ctx context.Context, msg *model.Message) error
	// FindByID 按 ID 查找消息，不存在返回 CodeNotFound
	FindByID(ctx context.Context, id int64) (*model.Message, error)
	// FindByClientMsgID 按发送者与客户端消息 ID 查找，用于重发去重
	FindByClientMsgID(ctx context.Context, senderID, clientMsgID string) (*model.Message, error)
	// FindByIDs 批量查找，结果按 ID 升序
	FindByIDs(ctx context.Context, ids []int64) ([]model.Message, error)
	// FindAfter 查找若干会话中 ID 大于 afterID 的消息，按 ID 升序，最多 limit 条
	FindAfter(ctx context.Context, conversationIDs []string, afterID int64, limit int) ([]model.Message, error)
	// MarkRecalled 标记撤回；消息已撤回时返回 false
	MarkRecalled(ctx context.Context, id int64, by string, at time.Time) (bool, error)
}

// ConversationRepository 会话数据访问接口
type ConversationRepository interface {
	// FindByID 查找会话，不存在返回 CodeNotFound
	FindByID(ctx context.Context, id string) (*model.Conversation, error)
	// FindByIDs 批量查找会话
	FindByIDs(ctx context.Context, ids []string) ([]model.Conversation, error)
	// UpdateLastMessage 更新会话最后一条消息，只会向前推进
	UpdateLastMessage(ctx context.Context, id string, msgID int64, at time.Time) error
}

// UserConversationRepository 用户会话状态（兼成员表）数据访问接口
type UserConversationRepository interface {
	// FindMembers 查找会话全部成员
	FindMembers(ctx context.Context, conversationID string) ([]model.UserConversation, error)
	// FindMember 查找某用户在会话中的状态，非成员返回 CodeNotFound
	FindMember(ctx context.Context, conversationID, userID string) (*model.UserConversation, error)
	// FindByUser 查找用户参与的全部会话
	FindByUser(ctx context.Context, userID string) ([]model.UserConversation, error)
	// IncrementUnread 会话内除 exceptUserID 外的成员未读数 +1
	IncrementUnread(ctx context.Context, conversationID, exceptUserID string) error
	// MarkRead 推进已读游标并清零未读数；游标只前进不后退
	MarkRead(ctx context.Context, conversationID, userID string, msgID int64) error
}

// OfflineMessageRepository 离线记录数据访问接口
type OfflineMessageRepository interface {
	// CreateBatch 批量写入离线记录
	CreateBatch(ctx context.Context, records []model.OfflineMessage) error
	// FindPending 查找设备可领取的待投递记录（目标为该设备或 NULL），按消息 ID 升序
	FindPending(ctx context.Context, userID, deviceID string, now time.Time, limit int) ([]model.OfflineMessage, error)
	// IncrementRetry 记录被返回一次
	IncrementRetry(ctx context.Context, ids []int64) error
	// ExpireStale 将超过重试上限或保留期的待投递记录置为过期，返回影响行数
	ExpireStale(ctx context.Context, userID string, maxRetry int, now time.Time) (int64, error)
	// MarkDelivered 确认投递；重复确认不会改变结果
	MarkDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64, at time.Time) (int64, error)
	// FindDelivered 返回 messageIDs 中设备已确认过的消息 ID
	FindDelivered(ctx context.Context, userID, deviceID string, messageIDs []int64) ([]int64, error)
	// PurgeFinished 删除 before 之前已投递或已过期的记录
	PurgeFinished(ctx context.Context, before time.Time, limit int) (int64, error)
}

// DeviceSyncRepository 设备同步游标数据访问接口
type DeviceSyncRepository interface {
	// Find 查找设备游标，不存在返回 CodeNotFound
	Find(ctx context.Context, userID, deviceID string) (*model.DeviceSyncStatus, error)
	// FindByUsers 批量查找用户的设备名册
	FindByUsers(ctx context.Context, userIDs []string) ([]model.DeviceSyncStatus, error)
	// Touch 设备上线时登记，已存在则只刷新 lastSeenAt 与设备类型
	Touch(ctx context.Context, userID, deviceID, deviceType string, at time.Time) error
	// Advance 推进设备游标，取 max(旧值, msgID)
	Advance(ctx context.Context, userID, deviceID string, msgID int64, at time.Time) error
}
