package entity

import (
	"strings"
	"time"
)

// Identity 用户的稳定标识，空串表示尚未认证
type Identity string

// Valid 非空且不含 Direct 范围的分隔符
func (id Identity) Valid() bool {
	return id != "" && !strings.Contains(string(id), directSep)
}

// SessionID 单条连接的唯一标识
type SessionID string

// Session 一条在线连接
type Session struct {
	ID              SessionID `json:"id"`
	Identity        Identity  `json:"identity,omitempty"`
	State           string    `json:"state"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// IsAuthenticated 是否已绑定身份
func (s *Session) IsAuthenticated() bool {
	return s.Identity != ""
}

// Expired 心跳是否超时
func (s *Session) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeatAt) > timeout
}
