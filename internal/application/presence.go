package application

import (
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

type presenceState struct {
	record   entity.PresenceRecord
	sessions int
	// 显式设置的状态，在下一次上线/下线转换前优先于自动推导
	explicit bool
	// 离线时设置的状态，在下一次 0->1 转换时生效
	pending entity.PresenceStatus
	version uint64
}

// PresenceTracker 在线状态，由会话数变化增量维护
// 与注册表一样不加锁，由 Hub 串行化
type PresenceTracker struct {
	states map[entity.Identity]*presenceState
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{states: make(map[entity.Identity]*presenceState)}
}

// SetStatus 显式设置状态；customStatus 为 nil 表示不修改自定义状态
func (t *PresenceTracker) SetStatus(identity entity.Identity, status entity.PresenceStatus, customStatus *string, now time.Time) (*entity.PresenceEvent, error) {
	if _, err := entity.ParsePresenceStatus(string(status)); err != nil {
		return nil, err
	}

	st := t.state(identity)
	oldStatus := st.record.Status
	oldCustom := st.record.CustomStatus

	if st.sessions == 0 {
		// 离线时只记下意图，状态保持 offline
		st.pending = status
		if status == entity.PresenceStatusOffline || status == entity.PresenceStatusOnline {
			st.pending = ""
		}
	} else {
		st.record.Status = status
		st.explicit = true
	}
	if customStatus != nil {
		st.record.CustomStatus = *customStatus
	}

	if st.record.Status == oldStatus && st.record.CustomStatus == oldCustom {
		return nil, nil
	}
	st.record.UpdatedAt = now
	return t.event(st, oldStatus, now), nil
}

// OnSessionCountChanged 会话数变化时调用，newCount 必须是变化后的值
func (t *PresenceTracker) OnSessionCountChanged(identity entity.Identity, newCount int, now time.Time) *entity.PresenceEvent {
	if newCount < 0 {
		newCount = 0
	}

	st := t.state(identity)
	prev := st.sessions
	st.sessions = newCount
	oldStatus := st.record.Status

	switch {
	case prev == 0 && newCount > 0:
		next := entity.PresenceStatusOnline
		st.explicit = false
		if st.pending != "" {
			next = st.pending
			st.explicit = true
			st.pending = ""
		}
		st.record.Status = next
		st.record.LastSeenAt = now
	case prev > 0 && newCount == 0:
		st.record.Status = entity.PresenceStatusOffline
		st.record.LastSeenAt = now
		st.explicit = false
		st.pending = ""
		st.record.UpdatedAt = now
		// 显式 offline 时状态不变，但最后活跃时间变了，仍然要发事件
		return t.event(st, oldStatus, now)
	default:
		return nil
	}

	st.record.UpdatedAt = now
	if st.record.Status == oldStatus {
		return nil
	}
	return t.event(st, oldStatus, now)
}

// Evict 清理 cutoff 之前就已离线且没有待生效状态的身份，返回被清理的身份
// 被清理的身份再次查询时由持久化日志补全
func (t *PresenceTracker) Evict(cutoff time.Time) []entity.Identity {
	var evicted []entity.Identity
	for identity, st := range t.states {
		if st.sessions > 0 || st.pending != "" || !st.record.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(t.states, identity)
		evicted = append(evicted, identity)
	}
	return evicted
}

// Len 内存中的身份数
func (t *PresenceTracker) Len() int {
	return len(t.states)
}

// StatusOf 返回状态副本，第二个返回值表示本进程是否见过该身份
func (t *PresenceTracker) StatusOf(identity entity.Identity) (entity.PresenceRecord, bool) {
	st, ok := t.states[identity]
	if !ok {
		return entity.PresenceRecord{
			Identity: identity,
			Status:   entity.PresenceStatusOffline,
		}, false
	}
	return st.record, true
}

// IsExplicit 当前状态是否来自显式设置
func (t *PresenceTracker) IsExplicit(identity entity.Identity) bool {
	st, ok := t.states[identity]
	return ok && st.explicit
}

func (t *PresenceTracker) state(identity entity.Identity) *presenceState {
	st, ok := t.states[identity]
	if !ok {
		st = &presenceState{
			record: entity.PresenceRecord{
				Identity: identity,
				Status:   entity.PresenceStatusOffline,
			},
		}
		t.states[identity] = st
	}
	return st
}

func (t *PresenceTracker) event(st *presenceState, oldStatus entity.PresenceStatus, now time.Time) *entity.PresenceEvent {
	st.version++
	return &entity.PresenceEvent{
		Identity:     st.record.Identity,
		OldStatus:    oldStatus,
		NewStatus:    st.record.Status,
		CustomStatus: st.record.CustomStatus,
		LastSeenAt:   st.record.LastSeenAt,
		Timestamp:    now,
		Version:      st.version,
	}
}
