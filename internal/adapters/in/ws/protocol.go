package ws

import (
	"encoding/json"
	"time"
)

// WSMessageType 帧类型
type WSMessageType string

// 客户端 -> 服务端
const (
	MsgTypeAuth        WSMessageType = "auth"
	MsgTypeSubscribe   WSMessageType = "subscribe"
	MsgTypeUnsubscribe WSMessageType = "unsubscribe"
	MsgTypeJoinGroup   WSMessageType = "join_group"
	MsgTypeLeaveGroup  WSMessageType = "leave_group"
	MsgTypePing        WSMessageType = "ping"
	MsgTypeStatus      WSMessageType = "status"
	MsgTypeSignal      WSMessageType = "signal"
	MsgTypeLogout      WSMessageType = "logout"
)

// 服务端 -> 客户端，事件帧的 type 为事件类型
const (
	MsgTypeWelcome WSMessageType = "welcome"
	MsgTypePong    WSMessageType = "pong"
	MsgTypeAck     WSMessageType = "ack"
	MsgTypeError   WSMessageType = "error"
)

// WSMessage WebSocket 帧
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	ID   string          `json:"id,omitempty"` // 客户端请求 ID，回执原样带回
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

type scopeData struct {
	Scope   string `json:"scope"`
	GroupID string `json:"group_id"`
}

type statusData struct {
	Status       string  `json:"status"`
	CustomStatus *string `json:"custom_status"`
}

type signalData struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// SignalPayload call_signal 事件的 payload
type SignalPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type welcomeData struct {
	SessionID string `json:"session_id"`
}

type ackData struct {
	Status   string `json:"status"`
	Identity string `json:"identity,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

func newFrame(typ WSMessageType, id string, data interface{}) ([]byte, error) {
	msg := WSMessage{Type: typ, ID: id, Ts: time.Now().UnixMilli()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
