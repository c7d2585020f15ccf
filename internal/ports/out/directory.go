package out

import (
	"context"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// TokenVerifier 校验客户端凭证并返回身份
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (entity.Identity, error)
}

// ContactDirectory 联系人查询，用于按好友范围推送在线状态
type ContactDirectory interface {
	// ContactsOf 返回与 identity 互为好友的身份列表
	ContactsOf(ctx context.Context, identity entity.Identity) ([]entity.Identity, error)
}

// GroupDirectory 群成员查询，用于校验订阅群范围的权限
type GroupDirectory interface {
	// IsMember 判断身份是否属于该群
	IsMember(ctx context.Context, groupID string, identity entity.Identity) (bool, error)
}

// PresenceLog 在线状态持久化日志（尽力而为）
type PresenceLog interface {
	// Record 记录一次状态变更
	Record(ctx context.Context, record *entity.PresenceRecord) error
	// LastSeen 查询最后活跃时间，没有记录时返回零值
	LastSeen(ctx context.Context, identity entity.Identity) (*entity.PresenceRecord, error)
}
