package application

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/lifecycle"
	"github.com/EthanQC/realtime/internal/ports/out"
)

type sessionEntry struct {
	session   entity.Session
	transport out.Transport
	fsm       *lifecycle.ConnectionStateMachine
}

// SessionRegistry 会话注册表：identity -> 在线会话集合
// 本身不加锁，所有写操作由 Hub 串行化
type SessionRegistry struct {
	sessions   map[entity.SessionID]*sessionEntry
	byIdentity map[entity.Identity]map[entity.SessionID]struct{}
	newID      func() entity.SessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions:   make(map[entity.SessionID]*sessionEntry),
		byIdentity: make(map[entity.Identity]map[entity.SessionID]struct{}),
		newID: func() entity.SessionID {
			return entity.SessionID(uuid.NewString())
		},
	}
}

// Open 创建会话，identity 可以为空（游客或认证前）
func (r *SessionRegistry) Open(identity entity.Identity, transport out.Transport, fsm *lifecycle.ConnectionStateMachine, now time.Time) entity.SessionID {
	id := r.newID()
	for r.has(id) {
		id = r.newID()
	}

	r.sessions[id] = &sessionEntry{
		session: entity.Session{
			ID:              id,
			ConnectedAt:     now,
			LastHeartbeatAt: now,
		},
		transport: transport,
		fsm:       fsm,
	}
	if identity != "" {
		r.bind(id, identity)
	}
	return id
}

// Authenticate 绑定身份，返回该身份当前的在线会话数
// 已绑定同一身份视为成功，绑定到其他身份返回 ErrAlreadyAuthenticated
func (r *SessionRegistry) Authenticate(id entity.SessionID, identity entity.Identity) (int, error) {
	entry, ok := r.sessions[id]
	if !ok {
		return 0, entity.ErrUnknownSession
	}

	switch entry.session.Identity {
	case identity:
		return len(r.byIdentity[identity]), nil
	case "":
		r.bind(id, identity)
		return len(r.byIdentity[identity]), nil
	default:
		return len(r.byIdentity[entry.session.Identity]), entity.ErrAlreadyAuthenticated
	}
}

// Close 移除会话，返回其身份和关闭后的剩余会话数
func (r *SessionRegistry) Close(id entity.SessionID) (entity.Identity, int, error) {
	entry, ok := r.sessions[id]
	if !ok {
		return "", 0, entity.ErrUnknownSession
	}
	delete(r.sessions, id)

	identity := entry.session.Identity
	if identity == "" {
		return "", 0, nil
	}

	set := r.byIdentity[identity]
	delete(set, id)
	remaining := len(set)
	if remaining == 0 {
		delete(r.byIdentity, identity)
	}
	return identity, remaining, nil
}

// LiveSessionsFor 返回身份的所有在线会话，按 id 排序
func (r *SessionRegistry) LiveSessionsFor(identity entity.Identity) []entity.SessionID {
	set := r.byIdentity[identity]
	ids := make([]entity.SessionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LiveCount 身份的在线会话数
func (r *SessionRegistry) LiveCount(identity entity.Identity) int {
	return len(r.byIdentity[identity])
}

// Touch 更新心跳时间
func (r *SessionRegistry) Touch(id entity.SessionID, now time.Time) error {
	entry, ok := r.sessions[id]
	if !ok {
		return entity.ErrUnknownSession
	}
	entry.session.LastHeartbeatAt = now
	return nil
}

// Get 返回会话副本，State 取自状态机
func (r *SessionRegistry) Get(id entity.SessionID) (entity.Session, bool) {
	entry, ok := r.sessions[id]
	if !ok {
		return entity.Session{}, false
	}
	session := entry.session
	if entry.fsm != nil {
		session.State = string(entry.fsm.State())
	}
	return session, true
}

// Expired 心跳超时的会话
func (r *SessionRegistry) Expired(now time.Time, timeout time.Duration) []entity.SessionID {
	var ids []entity.SessionID
	for id, entry := range r.sessions {
		if entry.session.Expired(now, timeout) {
			ids = append(ids, id)
		}
	}
	return ids
}

// All 所有会话 id
func (r *SessionRegistry) All() []entity.SessionID {
	ids := make([]entity.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}

// Identities 当前在线的身份，按字典序
func (r *SessionRegistry) Identities() []entity.Identity {
	ids := make([]entity.Identity, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		ids = append(ids, identity)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *SessionRegistry) IdentityCount() int {
	return len(r.byIdentity)
}

func (r *SessionRegistry) entry(id entity.SessionID) (*sessionEntry, bool) {
	entry, ok := r.sessions[id]
	return entry, ok
}

func (r *SessionRegistry) has(id entity.SessionID) bool {
	_, ok := r.sessions[id]
	return ok
}

func (r *SessionRegistry) bind(id entity.SessionID, identity entity.Identity) {
	r.sessions[id].session.Identity = identity
	set, ok := r.byIdentity[identity]
	if !ok {
		set = make(map[entity.SessionID]struct{})
		r.byIdentity[identity] = set
	}
	set[id] = struct{}{}
}
