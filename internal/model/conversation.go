// Package model 定义数据库实体模型
// 本文件定义会话模型与用户会话状态模型
package model

import "time"

// 会话类型
const (
	ConversationSingle int8 = 1 // 单聊
	ConversationGroup  int8 = 2 // 群聊
)

// 成员角色，取值与群成员表保持一致
const (
	MemberRoleMember int8 = 1 // 普通成员
	MemberRoleAdmin  int8 = 2 // 管理员
	MemberRoleOwner  int8 = 3 // 群主
)

// Conversation 会话模型
// 会话的创建和成员管理由外部系统负责，这里只读取并维护最后一条消息
type Conversation struct {
	ID            string     `gorm:"column:id;primaryKey;type:varchar(64);comment:会话ID"`
	Type          int8       `gorm:"column:type;not null;default:1;comment:1单聊 2群聊"`
	Name          string     `gorm:"column:name;type:varchar(64);comment:会话名称"`
	OwnerID       string     `gorm:"column:owner_id;type:varchar(64);comment:创建者"`
	LastMessageID int64      `gorm:"column:last_message_id;not null;default:0;comment:最后一条消息ID"`
	LastMessageAt *time.Time `gorm:"column:last_message_at;comment:最后消息时间"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName 指定表名
func (Conversation) TableName() string {
	return "conversation"
}

// UserConversation 用户在某个会话中的状态
// 同时是会话的成员表：存在记录即为成员
type UserConversation struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         string `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_user_conv,priority:1;comment:用户ID"`
	ConversationID string `gorm:"column:conversation_id;type:varchar(64);not null;uniqueIndex:uk_user_conv,priority:2;index:idx_conv_member;comment:会话ID"`
	Role           int8   `gorm:"column:role;not null;default:1;comment:1普通成员 2管理员 3群主"`
	UnreadCount    int    `gorm:"column:unread_count;not null;default:0;comment:未读数"`
	LastReadMsgID  int64  `gorm:"column:last_read_msg_id;not null;default:0;comment:已读到的消息ID"`
	Muted          bool   `gorm:"column:muted;not null;default:false;comment:免打扰"`
	Pinned         bool   `gorm:"column:pinned;not null;default:false;comment:置顶"`
	Draft          string `gorm:"column:draft;type:varchar(1024);comment:草稿"`
	JoinedAt       time.Time
	UpdatedAt      time.Time
}

// TableName 指定表名
func (UserConversation) TableName() string {
	return "user_conversation"
}

// CanModerate 是否有权撤回他人的消息
func (uc *UserConversation) CanModerate() bool {
	return uc.Role == MemberRoleAdmin || uc.Role == MemberRoleOwner
}
