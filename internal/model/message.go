// Package model 定义数据库实体模型
// 本文件定义消息模型，一条消息只持久化一次，扇出到各设备时只引用其 ID
package model

import "time"

// 消息内容类型
const (
	MessageKindText     = "TEXT"
	MessageKindImage    = "IMAGE"
	MessageKindFile     = "FILE"
	MessageKindAudio    = "AUDIO"
	MessageKindVideo    = "VIDEO"
	MessageKindLocation = "LOCATION"
	MessageKindCustom   = "CUSTOM"
)

// Message 消息模型
// 对应数据库 message 表
type Message struct {
	// ID 雪花 ID，同一节点内单调递增，同时作为同步游标
	ID int64 `gorm:"column:id;primaryKey;autoIncrement:false;comment:消息雪花ID"`

	// ConversationID 所属会话，与 ID 组成增量同步使用的联合索引
	ConversationID string `gorm:"column:conversation_id;type:varchar(64);not null;index:idx_conv_msg,priority:1;comment:会话ID"`

	SenderID       string `gorm:"column:sender_id;type:varchar(64);not null;uniqueIndex:uk_sender_client_msg,priority:1;comment:发送者ID"`
	SenderDeviceID string `gorm:"column:sender_device_id;type:varchar(64);not null;comment:发送设备ID"`

	// ClientMsgID 客户端生成的幂等键，为空时存 NULL 以免触发唯一索引
	ClientMsgID *string `gorm:"column:client_msg_id;type:varchar(64);uniqueIndex:uk_sender_client_msg,priority:2;comment:客户端消息ID"`

	Kind    string `gorm:"column:kind;type:varchar(16);not null;comment:消息类型"`
	Content string `gorm:"column:content;type:TEXT;comment:消息内容"`

	// Extra 非文本消息的附加信息（url、尺寸、坐标等），原样存储 JSON
	Extra string `gorm:"column:extra;type:TEXT;comment:附加信息JSON"`

	QuoteID int64 `gorm:"column:quote_id;not null;default:0;comment:引用的消息ID"`

	RecalledAt *time.Time `gorm:"column:recalled_at;comment:撤回时间"`
	RecalledBy string     `gorm:"column:recalled_by;type:varchar(64);comment:撤回操作者"`

	CreatedAt time.Time `gorm:"column:created_at;index:idx_conv_msg,priority:2;comment:发送时间"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "message"
}

// Recalled 消息是否已被撤回
func (m *Message) Recalled() bool {
	return m.RecalledAt != nil
}
