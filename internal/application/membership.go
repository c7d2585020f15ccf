package application

import (
	"sort"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

type sessionSet map[entity.SessionID]struct{}

// MembershipTracker 范围订阅关系
// Direct 范围的成员由注册表隐式推导，不存储；Group 与 Broadcast 需要显式订阅
type MembershipTracker struct {
	registry  *SessionRegistry
	scopes    map[entity.Scope]sessionSet
	bySession map[entity.SessionID]map[entity.Scope]struct{}
}

func NewMembershipTracker(registry *SessionRegistry) *MembershipTracker {
	return &MembershipTracker{
		registry:  registry,
		scopes:    make(map[entity.Scope]sessionSet),
		bySession: make(map[entity.SessionID]map[entity.Scope]struct{}),
	}
}

// Subscribe 订阅范围，重复订阅不报错，返回是否新增
func (t *MembershipTracker) Subscribe(id entity.SessionID, scope entity.Scope) (bool, error) {
	if !t.registry.has(id) {
		return false, entity.ErrUnknownSession
	}
	if err := scope.Validate(); err != nil {
		return false, err
	}
	if scope.IsDirect() {
		return false, nil
	}

	members, ok := t.scopes[scope]
	if !ok {
		members = make(sessionSet)
		t.scopes[scope] = members
	}
	if _, exists := members[id]; exists {
		return false, nil
	}
	members[id] = struct{}{}

	owned, ok := t.bySession[id]
	if !ok {
		owned = make(map[entity.Scope]struct{})
		t.bySession[id] = owned
	}
	owned[scope] = struct{}{}
	return true, nil
}

// Unsubscribe 取消订阅，非成员时为空操作
func (t *MembershipTracker) Unsubscribe(id entity.SessionID, scope entity.Scope) bool {
	members, ok := t.scopes[scope]
	if !ok {
		return false
	}
	if _, exists := members[id]; !exists {
		return false
	}

	delete(members, id)
	if len(members) == 0 {
		delete(t.scopes, scope)
	}
	if owned, ok := t.bySession[id]; ok {
		delete(owned, scope)
		if len(owned) == 0 {
			delete(t.bySession, id)
		}
	}
	return true
}

// UnsubscribeAll 断开时调用，只遍历该会话自己的范围
func (t *MembershipTracker) UnsubscribeAll(id entity.SessionID) []entity.Scope {
	owned, ok := t.bySession[id]
	if !ok {
		return nil
	}
	delete(t.bySession, id)

	removed := make([]entity.Scope, 0, len(owned))
	for scope := range owned {
		if members, ok := t.scopes[scope]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(t.scopes, scope)
			}
		}
		removed = append(removed, scope)
	}
	return removed
}

// MembersOf 范围内的在线会话，按 id 排序
func (t *MembershipTracker) MembersOf(scope entity.Scope) []entity.SessionID {
	if scope.IsDirect() {
		ids := t.registry.LiveSessionsFor(scope.A)
		if scope.B == scope.A {
			return ids
		}
		ids = append(ids, t.registry.LiveSessionsFor(scope.B)...)
		sortSessionIDs(ids)
		return ids
	}

	members := t.scopes[scope]
	ids := make([]entity.SessionID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sortSessionIDs(ids)
	return ids
}

// ScopesOf 会话显式订阅的范围
func (t *MembershipTracker) ScopesOf(id entity.SessionID) []entity.Scope {
	owned := t.bySession[id]
	scopes := make([]entity.Scope, 0, len(owned))
	for scope := range owned {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })
	return scopes
}

func (t *MembershipTracker) ScopeCount() int {
	return len(t.scopes)
}

func sortSessionIDs(ids []entity.SessionID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
