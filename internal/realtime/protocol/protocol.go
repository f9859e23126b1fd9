package protocol

import (
	"time"

	"github.com/lk2023060901/iris-garden-go/internal/json"
	"github.com/lk2023060901/iris-garden-go/pkg/util/merr"
)

// 客户端入站帧的类型。
const (
	FrameJoinGroup  = "join_group"
	FrameLeaveGroup = "leave_group"
	FramePing       = "ping"
)

// 服务端出站帧的类型。
const (
	FrameMessage      = "message"
	FrameOnlineStatus = "online_status"
	FramePong         = "pong"
	FrameError        = "error"
)

// Frame 表示上行连接中客户端发来的一条控制帧。
//
// 约定：
//   - type 为必填字段，当前支持 join_group / leave_group / ping；
//   - join_group / leave_group 必须携带 group_id；
//   - 未知 type 或缺失字段不关闭连接，仅回复 error 帧。
type Frame struct {
	Type    string `json:"type"`
	GroupID string `json:"group_id,omitempty"`
}

// DecodeFrame 解析一条入站帧并校验必填字段。
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, merr.WrapErrFrameMalformed(err.Error())
	}
	switch f.Type {
	case FrameJoinGroup, FrameLeaveGroup:
		if f.GroupID == "" {
			return nil, merr.WrapErrFrameMalformed("group_id is required")
		}
	case FramePing:
	case "":
		return nil, merr.WrapErrFrameMalformed("type is required")
	default:
		return nil, merr.WrapErrFrameUnknownType(f.Type)
	}
	return &f, nil
}

// Sender 为投递信封中内嵌的发送方摘要。
type Sender struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Envelope 表示一条已由持久层落库的消息投递信封。
//
// 约定：
//   - 信封由外部的消息创建操作构造后交给广播引擎，本子系统不修改、不落库；
//   - ReceiverID 与 GroupID 二者只会出现其一（私聊或群聊）。
type Envelope struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	GroupID    string    `json:"group_id"`
	MediaURL   string    `json:"media_url"`
	MediaType  string    `json:"media_type"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
	Sender     *Sender   `json:"sender,omitempty"`
}

// MarshalJSON 令四个可空字段以显式 null 出现在出站 JSON 中，
// 客户端按 "键存在且为 null" 判空，与整键省略不等价。
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	out := struct {
		*alias
		ReceiverID *string `json:"receiver_id"`
		GroupID    *string `json:"group_id"`
		MediaURL   *string `json:"media_url"`
		MediaType  *string `json:"media_type"`
	}{alias: (*alias)(e)}
	if e.ReceiverID != "" {
		out.ReceiverID = &e.ReceiverID
	}
	if e.GroupID != "" {
		out.GroupID = &e.GroupID
	}
	if e.MediaURL != "" {
		out.MediaURL = &e.MediaURL
	}
	if e.MediaType != "" {
		out.MediaType = &e.MediaType
	}
	return json.Marshal(out)
}

// Encode 将信封编码为出站帧字节。type 缺省时补为 message。
func (e *Envelope) Encode() ([]byte, error) {
	if e.Type == "" {
		e.Type = FrameMessage
	}
	return json.Marshal(e)
}

// DecodeEnvelope 从桥接消息等字节载荷中还原信封。
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, merr.WrapErrFrameMalformed(err.Error())
	}
	return &e, nil
}

// PresenceEvent 表示一条在线状态变更通知。
type PresenceEvent struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	IsOnline bool   `json:"is_online"`
}

// EncodePresence 构造并编码一条 online_status 帧。
func EncodePresence(userID string, online bool) ([]byte, error) {
	return json.Marshal(&PresenceEvent{
		Type:     FrameOnlineStatus,
		UserID:   userID,
		IsOnline: online,
	})
}

// EncodePong 编码 pong 回复帧。
func EncodePong() []byte {
	return []byte(`{"type":"pong"}`)
}

// EncodeError 构造并编码一条 error 帧，msg 为面向客户端的原因描述。
func EncodeError(msg string) []byte {
	data, err := json.Marshal(map[string]string{
		"type":    FrameError,
		"message": msg,
	})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return data
}
