package mysql

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// 联系人状态，与用户服务一致
const (
	contactStatusNormal  int8 = 1
	contactStatusBlocked int8 = 2
	contactStatusDeleted int8 = 3
)

// ContactModel 用户服务维护的好友表，这里只读
type ContactModel struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    string    `gorm:"column:user_id;type:varchar(64);not null;index"`
	FriendID  string    `gorm:"column:friend_id;type:varchar(64);not null;index"`
	Status    int8      `gorm:"column:status;type:tinyint;not null;default:1"`
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

func (ContactModel) TableName() string {
	return "contacts"
}

// GroupMemberModel 群成员表，这里只读
type GroupMemberModel struct {
	ID       uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	GroupID  string    `gorm:"column:group_id;type:varchar(64);not null;uniqueIndex:uk_group_user"`
	UserID   string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_group_user"`
	JoinedAt time.Time `gorm:"column:joined_at;autoCreateTime"`
}

func (GroupMemberModel) TableName() string {
	return "group_members"
}

// Directory 好友和群成员查询
type Directory struct {
	db *gorm.DB
}

var (
	_ out.ContactDirectory = (*Directory)(nil)
	_ out.GroupDirectory   = (*Directory)(nil)
)

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ContactsOf 状态正常的好友
func (d *Directory) ContactsOf(ctx context.Context, identity entity.Identity) ([]entity.Identity, error) {
	var friends []string
	if err := contactsQuery(d.db.WithContext(ctx), identity).Pluck("friend_id", &friends).Error; err != nil {
		return nil, fmt.Errorf("query contacts of %s failed: %w", identity, err)
	}

	result := make([]entity.Identity, 0, len(friends))
	for _, f := range friends {
		result = append(result, entity.Identity(f))
	}
	return result, nil
}

func (d *Directory) IsMember(ctx context.Context, groupID string, identity entity.Identity) (bool, error) {
	var count int64
	if err := memberQuery(d.db.WithContext(ctx), groupID, identity).Count(&count).Error; err != nil {
		return false, fmt.Errorf("query group member failed: %w", err)
	}
	return count > 0, nil
}

// AutoMigrate 开发环境建表用
func (d *Directory) AutoMigrate() error {
	return d.db.AutoMigrate(&ContactModel{}, &GroupMemberModel{})
}

func contactsQuery(db *gorm.DB, identity entity.Identity) *gorm.DB {
	return db.Model(&ContactModel{}).
		Where("user_id = ? AND status = ?", string(identity), contactStatusNormal).
		Order("friend_id")
}

func memberQuery(db *gorm.DB, groupID string, identity entity.Identity) *gorm.DB {
	return db.Model(&GroupMemberModel{}).
		Where("group_id = ? AND user_id = ?", groupID, string(identity))
}
