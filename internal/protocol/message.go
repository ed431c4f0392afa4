package protocol

import "time"

// 消息类型常量。
//
// 约定方向：
//   - LOGIN / LOGOUT / SYSTEM_COMMAND 由客户端发往服务器；
//   - LOGIN_SUCCESS / LOGIN_FAILED / SYSTEM_RESPONSE / USER_LIST_UPDATE /
//     ANONYMOUS_TOGGLE 由服务器发往客户端；
//   - CHAT / PRIVATE_CHAT 双向。
const (
	TypeLogin           = "LOGIN"
	TypeLoginSuccess    = "LOGIN_SUCCESS"
	TypeLoginFailed     = "LOGIN_FAILED"
	TypeLogout          = "LOGOUT"
	TypeChat            = "CHAT"
	TypePrivateChat     = "PRIVATE_CHAT"
	TypeSystemCommand   = "SYSTEM_COMMAND"
	TypeSystemResponse  = "SYSTEM_RESPONSE"
	TypeUserListUpdate  = "USER_LIST_UPDATE"
	TypeAnonymousToggle = "ANONYMOUS_TOGGLE"
)

// SystemSender 为服务器侧消息统一使用的发送方名称。
const SystemSender = "系统"

// Message 为客户端与服务器之间传输的统一数据载体。
//
// 字段说明：
//   - Type      —— 消息类型（参见上方常量），驱动业务分支处理。
//   - Sender    —— 发送方用户名，服务器侧消息使用 SystemSender。
//   - Receiver  —— 接收方用户名，仅私聊等定向消息使用。
//   - Content   —— 具体文本内容（或命令内容）。
//   - Timestamp —— 创建时间，RFC3339 字符串，只赋值一次。
//   - Anonymous —— 标记发送者是否匿名。
type Message struct {
	Type      string `json:"type"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp string `json:"timestamp"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// NewMessage 创建一条广播/系统消息，时间戳取当前时间。
func NewMessage(typ, sender, content string) *Message {
	return &Message{
		Type:      typ,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// NewPrivateMessage 创建一条私聊消息。
func NewPrivateMessage(sender, receiver, content string) *Message {
	msg := NewMessage(TypePrivateChat, sender, content)
	msg.Receiver = receiver
	return msg
}

// NewSystemResponse 创建一条服务器发往客户端的系统响应。
func NewSystemResponse(content string) *Message {
	return NewMessage(TypeSystemResponse, SystemSender, content)
}

// IsDirected 判断消息类型是否要求非空 Receiver。
func (m *Message) IsDirected() bool {
	return m.Type == TypePrivateChat
}
