// Package protocol 定义长连接上的 JSON 帧协议
// 一帧即一个 Packet：{"type": ..., "data": ..., "timestamp": epoch-ms}
package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// PacketType 帧类型
type PacketType string

// 客户端 -> 服务端
const (
	TypeLogin                 PacketType = "LOGIN"
	TypeLogout                PacketType = "LOGOUT"
	TypeHeartbeat             PacketType = "HEARTBEAT"
	TypeChatMessage           PacketType = "CHAT_MESSAGE"
	TypeTyping                PacketType = "TYPING"
	TypeReadAck               PacketType = "READ_ACK"
	TypeRecallMessage         PacketType = "RECALL_MESSAGE"
	TypeSyncRequest           PacketType = "SYNC_REQUEST"
	TypeOfflineSyncRequest    PacketType = "OFFLINE_SYNC_REQUEST"
	TypeOfflineSyncAck        PacketType = "OFFLINE_SYNC_ACK"
	TypeOnlineStatusRequest   PacketType = "ONLINE_STATUS_REQUEST"
	TypeOnlineStatusSubscribe PacketType = "ONLINE_STATUS_SUBSCRIBE"
)

// 服务端 -> 客户端
// CHAT_MESSAGE 与 TYPING 推送复用请求的类型名
const (
	TypeServerError            PacketType = "SERVER_ERROR"
	TypeLoginAck               PacketType = "LOGIN_ACK"
	TypeLogoutAck              PacketType = "LOGOUT_ACK"
	TypeHeartbeatAck           PacketType = "HEARTBEAT_ACK"
	TypeChatMessageAck         PacketType = "CHAT_MESSAGE_ACK"
	TypeReadReceipt            PacketType = "READ_RECEIPT"
	TypeRecallAck              PacketType = "RECALL_ACK"
	TypeMessageRecalled        PacketType = "MESSAGE_RECALLED"
	TypeSyncResponse           PacketType = "SYNC_RESPONSE"
	TypeOfflineSyncResponse    PacketType = "OFFLINE_SYNC_RESPONSE"
	TypeOfflineSyncAckResponse PacketType = "OFFLINE_SYNC_ACK_RESPONSE"
	TypeOnlineStatusResponse   PacketType = "ONLINE_STATUS_RESPONSE"
	TypeOnlineStatusChange     PacketType = "ONLINE_STATUS_CHANGE"
	TypeKicked                 PacketType = "KICKED"
)

// ErrMalformedPacket 帧不是合法的 Packet
var ErrMalformedPacket = errors.New("malformed packet")

// Packet 解码后不再修改
type Packet struct {
	Type      PacketType      `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Decode 解码一帧；缺少 type 也视为非法
func Decode(frame []byte) (*Packet, error) {
	var p Packet
	if err := json.Unmarshal(frame, &p); err != nil {
		return nil, errors.Join(ErrMalformedPacket, err)
	}
	if p.Type == "" {
		return nil, errors.Join(ErrMalformedPacket, errors.New("missing type"))
	}
	return &p, nil
}

// Encode 构造并编码一帧
func Encode(t PacketType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Packet{Type: t, Data: raw, Timestamp: time.Now().UnixMilli()})
}

// ID 消息等雪花 ID
// 编码为字符串避免 JavaScript 精度丢失，解码同时接受字符串和数字
type ID int64

// MarshalJSON 实现 json.Marshaler
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + strconv.FormatInt(int64(id), 10) + `"`), nil
}

// UnmarshalJSON 实现 json.Unmarshaler
func (id *ID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		*id = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return errors.New("invalid id " + string(b))
	}
	*id = ID(v)
	return nil
}

// IDs 转换为 int64 切片
func IDs(ids []ID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
