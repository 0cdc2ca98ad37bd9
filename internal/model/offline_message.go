// Package model 定义数据库实体模型
// 本文件定义离线消息记录与设备同步游标
package model

import "time"

// 离线记录状态
const (
	OfflinePending   int8 = 0 // 待投递
	OfflineDelivered int8 = 1 // 已确认，等待清理
	OfflineExpired   int8 = 2 // 超过重试次数或保留期，等待清理
)

// OfflineMessage 离线消息记录
// 只引用消息 ID，不复制消息内容；每个 (用户, 目标, 消息) 至多一行
type OfflineMessage struct {
	ID     int64  `gorm:"primaryKey;autoIncrement"`
	UserID string `gorm:"column:user_id;type:varchar(64);not null;index:idx_offline_target,priority:1;uniqueIndex:uk_offline_target_msg,priority:1;comment:接收用户"`

	// TargetDeviceID 目标设备，NULL 表示该用户任意设备均可领取
	TargetDeviceID *string `gorm:"column:target_device_id;type:varchar(64);index:idx_offline_target,priority:2;comment:目标设备"`
	// TargetKey 唯一索引用的目标设备，不定向记录为空串；NULL 不参与唯一约束
	TargetKey string `gorm:"column:target_key;type:varchar(64);not null;default:'';uniqueIndex:uk_offline_target_msg,priority:2;comment:目标设备或空串"`

	Status         int8       `gorm:"column:status;not null;default:0;index:idx_offline_target,priority:3;comment:0待投递 1已投递 2已过期"`
	MessageID      int64      `gorm:"column:message_id;not null;uniqueIndex:uk_offline_target_msg,priority:3;comment:消息ID"`
	ConversationID string     `gorm:"column:conversation_id;type:varchar(64);not null;comment:会话ID"`
	RetryCount     int        `gorm:"column:retry_count;not null;default:0;comment:已返回次数"`
	ExpiresAt      time.Time  `gorm:"column:expires_at;not null;index;comment:过期时间"`
	DeliveredAt    *time.Time `gorm:"column:delivered_at;comment:确认时间"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定表名
func (OfflineMessage) TableName() string {
	return "offline_message"
}

// DeviceSyncStatus 设备同步游标
// 也是用户的设备名册：设备首次连接时插入一条游标为 0 的记录
type DeviceSyncStatus struct {
	UserID          string     `gorm:"column:user_id;primaryKey;type:varchar(64);comment:用户ID"`
	DeviceID        string     `gorm:"column:device_id;primaryKey;type:varchar(64);comment:设备ID"`
	DeviceType      string     `gorm:"column:device_type;type:varchar(32);comment:设备类型"`
	LastSyncedMsgID int64      `gorm:"column:last_synced_msg_id;not null;default:0;comment:已同步到的消息ID"`
	LastSyncedAt    *time.Time `gorm:"column:last_synced_at;comment:最后同步时间"`
	LastSeenAt      time.Time  `gorm:"column:last_seen_at;comment:最后连接时间"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TableName 指定表名
func (DeviceSyncStatus) TableName() string {
	return "device_sync_status"
}
