package entity

import (
	"fmt"
	"time"
)

// PresenceStatus 状态枚举
type PresenceStatus string

const (
	PresenceStatusOnline  PresenceStatus = "online"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusBusy    PresenceStatus = "busy"
	PresenceStatusOffline PresenceStatus = "offline"
)

// ParsePresenceStatus 解析客户端可设置的状态
func ParsePresenceStatus(s string) (PresenceStatus, error) {
	switch st := PresenceStatus(s); st {
	case PresenceStatusOnline, PresenceStatusAway, PresenceStatusBusy, PresenceStatusOffline:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// PresenceRecord 用户在线状态
type PresenceRecord struct {
	Identity     Identity       `json:"identity"`
	Status       PresenceStatus `json:"status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Online 是否在线（away/busy 也算在线）
func (p *PresenceRecord) Online() bool {
	return p.Status != PresenceStatusOffline && p.Status != ""
}

// PresenceEvent 状态变更事件
type PresenceEvent struct {
	Identity     Identity       `json:"identity"`
	OldStatus    PresenceStatus `json:"old_status"`
	NewStatus    PresenceStatus `json:"new_status"`
	CustomStatus string         `json:"custom_status,omitempty"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	Timestamp    time.Time      `json:"timestamp"`
	Version      uint64         `json:"version"` // 同一身份内单调递增
}
