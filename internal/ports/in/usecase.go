package in

import (
	"context"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/lifecycle"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// ConnectionUseCase 连接生命周期用例接口
type ConnectionUseCase interface {
	// Connect 传输层握手成功，创建未认证会话
	Connect(transport out.Transport) (entity.SessionID, error)
	// Authenticate 校验凭证并绑定身份
	Authenticate(ctx context.Context, sessionID entity.SessionID, token string) (entity.Identity, error)
	// Subscribe 订阅范围
	Subscribe(ctx context.Context, sessionID entity.SessionID, scope entity.Scope) error
	// Unsubscribe 取消订阅
	Unsubscribe(ctx context.Context, sessionID entity.SessionID, scope entity.Scope) error
	// Heartbeat 心跳
	Heartbeat(sessionID entity.SessionID) error
	// Disconnect 关闭会话
	Disconnect(ctx context.Context, sessionID entity.SessionID, reason lifecycle.Event) error
	// IdentityOf 查询会话绑定的身份
	IdentityOf(sessionID entity.SessionID) (entity.Identity, error)
}

// PublishUseCase 事件发布用例接口
type PublishUseCase interface {
	// Publish 投递事件给范围内所有在线会话
	Publish(ctx context.Context, event *entity.Event) DeliveryReport
}

// PresenceUseCase 在线状态用例接口
type PresenceUseCase interface {
	// SetStatus 显式设置状态
	SetStatus(ctx context.Context, identity entity.Identity, status entity.PresenceStatus, customStatus *string) error
	// GetPresence 获取用户状态
	GetPresence(ctx context.Context, identity entity.Identity) *entity.PresenceRecord
	// GetPresences 批量获取用户状态
	GetPresences(ctx context.Context, identities []entity.Identity) map[entity.Identity]*entity.PresenceRecord
}

// DeliveryReport 单次发布的投递结果
type DeliveryReport struct {
	Targeted  int `json:"targeted"`
	Delivered int `json:"delivered"`
	Dropped   int `json:"dropped"`
}
