package protocol

import (
	"encoding/json"

	"im_core_server/internal/model"
)

// LoginRequest LOGIN 再次声明设备身份，必须与握手凭证一致
type LoginRequest struct {
	UserID     string `json:"userId" validate:"required"`
	DeviceID   string `json:"deviceId" validate:"required"`
	DeviceType string `json:"deviceType"`
}

// LoginAck LOGIN_ACK
type LoginAck struct {
	UserID          string `json:"userId"`
	DeviceID        string `json:"deviceId"`
	NodeID          string `json:"nodeId"`
	ServerTime      int64  `json:"serverTime"`
	LastSyncedMsgID ID     `json:"lastSyncedMsgId"`
}

// HeartbeatAck HEARTBEAT_ACK
type HeartbeatAck struct {
	ServerTime int64 `json:"serverTime"`
}

// ChatMessageRequest CHAT_MESSAGE
type ChatMessageRequest struct {
	ConversationID string          `json:"conversationId" validate:"required,max=64"`
	ClientMsgID    string          `json:"clientMsgId" validate:"omitempty,max=64"`
	Kind           string          `json:"kind" validate:"required,oneof=TEXT IMAGE FILE AUDIO VIDEO LOCATION CUSTOM"`
	Content        string          `json:"content" validate:"required_if=Kind TEXT,max=8192"`
	Extra          json.RawMessage `json:"extra,omitempty"`
	QuoteID        ID              `json:"quoteId,omitempty"`
}

// ChatMessageAck CHAT_MESSAGE_ACK，回给发送设备
type ChatMessageAck struct {
	ClientMsgID    string `json:"clientMsgId,omitempty"`
	MessageID      ID     `json:"messageId"`
	ConversationID string `json:"conversationId"`
	CreatedAt      int64  `json:"createdAt"`
	Duplicate      bool   `json:"duplicate,omitempty"`
}

// MessageView 推送与同步中的消息
type MessageView struct {
	MessageID      ID              `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderDeviceID string          `json:"senderDeviceId"`
	ClientMsgID    string          `json:"clientMsgId,omitempty"`
	Kind           string          `json:"kind"`
	Content        string          `json:"content,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
	QuoteID        ID              `json:"quoteId,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	RecalledAt     int64           `json:"recalledAt,omitempty"`
}

// NewMessageView 撤回的消息不再下发内容
func NewMessageView(m *model.Message) MessageView {
	v := MessageView{
		MessageID:      ID(m.ID),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderDeviceID: m.SenderDeviceID,
		Kind:           m.Kind,
		QuoteID:        ID(m.QuoteID),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.ClientMsgID != nil {
		v.ClientMsgID = *m.ClientMsgID
	}
	if m.RecalledAt != nil {
		v.RecalledAt = m.RecalledAt.UnixMilli()
		return v
	}
	v.Content = m.Content
	if m.Extra != "" {
		v.Extra = json.RawMessage(m.Extra)
	}
	return v
}

// TypingRequest TYPING
type TypingRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	Typing         bool   `json:"typing"`
}

// TypingEvent TYPING 推送
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	DeviceID       string `json:"deviceId"`
	Typing         bool   `json:"typing"`
}

// ReadAckRequest READ_ACK
type ReadAckRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      ID     `json:"messageId" validate:"required"`
}

// ReadReceipt READ_RECEIPT，只推给消息发送者
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	MessageID      ID     `json:"messageId"`
	ReaderID       string `json:"readerId"`
	ReaderDeviceID string `json:"readerDeviceId"`
	ReadAt         int64  `json:"readAt"`
}

// RecallRequest RECALL_MESSAGE
type RecallRequest struct {
	ConversationID string `json:"conversationId" validate:"required"`
	MessageID      ID     `json:"messageId" validate:"required"`
}

// RecallEvent RECALL_ACK 与 MESSAGE_RECALLED 共用
type RecallEvent struct {
	ConversationID string `json:"conversationId"`
	MessageID      ID     `json:"messageId"`
	RecalledBy     string `json:"recalledBy"`
	RecalledAt     int64  `json:"recalledAt"`
}

// SyncRequest SYNC_REQUEST，lastSyncedMsgId 为空时使用服务端保存的设备游标
type SyncRequest struct {
	LastSyncedMsgID ID  `json:"lastSyncedMsgId"`
	Limit           int `json:"limit" validate:"omitempty,min=1,max=500"`
}

// ConversationView 用户视角的会话状态
type ConversationView struct {
	ConversationID string `json:"conversationId"`
	Type           int8   `json:"type"`
	Name           string `json:"name,omitempty"`
	Role           int8   `json:"role"`
	UnreadCount    int    `json:"unreadCount"`
	LastReadMsgID  ID     `json:"lastReadMsgId"`
	LastMessageID  ID     `json:"lastMessageId"`
	LastMessageAt  int64  `json:"lastMessageAt,omitempty"`
	Muted          bool   `json:"muted"`
	Pinned         bool   `json:"pinned"`
	Draft          string `json:"draft,omitempty"`
}

// NewConversationView 合并会话与用户会话状态，conv 可以为 nil
func NewConversationView(uc *model.UserConversation, conv *model.Conversation) ConversationView {
	v := ConversationView{
		ConversationID: uc.ConversationID,
		Role:           uc.Role,
		UnreadCount:    uc.UnreadCount,
		LastReadMsgID:  ID(uc.LastReadMsgID),
		Muted:          uc.Muted,
		Pinned:         uc.Pinned,
		Draft:          uc.Draft,
	}
	if conv != nil {
		v.Type = conv.Type
		v.Name = conv.Name
		v.LastMessageID = ID(conv.LastMessageID)
		if conv.LastMessageAt != nil {
			v.LastMessageAt = conv.LastMessageAt.UnixMilli()
		}
	}
	return v
}

// SyncResponse SYNC_RESPONSE
type SyncResponse struct {
	Messages        []MessageView      `json:"messages"`
	Conversations   []ConversationView `json:"conversations"`
	LastSyncedMsgID ID                 `json:"lastSyncedMsgId"`
	HasMore         bool               `json:"hasMore"`
}

// OfflineSyncRequest OFFLINE_SYNC_REQUEST
type OfflineSyncRequest struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=500"`
}

// OfflineSyncResponse OFFLINE_SYNC_RESPONSE
type OfflineSyncResponse struct {
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"hasMore"`
}

// OfflineSyncAckRequest OFFLINE_SYNC_ACK
type OfflineSyncAckRequest struct {
	MessageIDs []ID `json:"messageIds" validate:"required,min=1,max=500,dive,required"`
}

// OfflineSyncAckResponse OFFLINE_SYNC_ACK_RESPONSE
type OfflineSyncAckResponse struct {
	Acked           int64 `json:"acked"`
	LastSyncedMsgID ID    `json:"lastSyncedMsgId"`
}

// OnlineStatusRequest ONLINE_STATUS_REQUEST 与 ONLINE_STATUS_SUBSCRIBE 共用
type OnlineStatusRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=200,dive,required"`
}

// UserStatus 单个用户的在线状态
type UserStatus struct {
	UserID  string   `json:"userId"`
	Online  bool     `json:"online"`
	Devices []string `json:"devices"`
}

// OnlineStatusResponse ONLINE_STATUS_RESPONSE
type OnlineStatusResponse struct {
	Statuses []UserStatus `json:"statuses"`
}

// OnlineStatusChange ONLINE_STATUS_CHANGE 推送
type OnlineStatusChange struct {
	UserStatus
	ChangedAt int64 `json:"changedAt"`
}

// Kicked KICKED，同一设备在别处登录
type Kicked struct {
	DeviceID string `json:"deviceId"`
	Reason   string `json:"reason"`
}

// ServerError SERVER_ERROR
type ServerError struct {
	Code        int        `json:"code"`
	Msg         string     `json:"msg"`
	RequestType PacketType `json:"requestType,omitempty"`
}
