package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/lifecycle"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// PresenceAudience 在线状态事件的推送范围
type PresenceAudience string

const (
	// AudienceBroadcast 推送给所有在线会话
	AudienceBroadcast PresenceAudience = "broadcast"
	// AudienceContacts 只推送给好友和自己的其他设备，代价 O(好友数)
	AudienceContacts PresenceAudience = "contacts"
)

// HubConfig 连接管理配置
type HubConfig struct {
	HeartbeatTimeout  time.Duration
	CheckInterval     time.Duration
	AutoBroadcast     bool
	PresenceAudience  PresenceAudience
	PresenceRetention time.Duration // 离线超过该时长的身份从内存清理
}

// DefaultHubConfig 默认配置
func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatTimeout:  90 * time.Second,
		CheckInterval:     5 * time.Second,
		AutoBroadcast:     true,
		PresenceAudience:  AudienceBroadcast,
		PresenceRetention: 10 * time.Minute,
	}
}

type HubOption func(*Hub)

// WithContactDirectory 设置联系人目录
func WithContactDirectory(contacts out.ContactDirectory) HubOption {
	return func(h *Hub) { h.contacts = contacts }
}

// WithGroupDirectory 设置群成员目录，订阅群范围前校验成员关系
func WithGroupDirectory(groups out.GroupDirectory) HubOption {
	return func(h *Hub) { h.groups = groups }
}

// WithPresenceLog 设置在线状态持久化日志
func WithPresenceLog(log out.PresenceLog) HubOption {
	return func(h *Hub) { h.presenceLog = log }
}

// WithMetrics 设置指标
func WithMetrics(m *Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// Hub 连接生命周期管理器
// mu 串行化注册表、订阅关系、在线状态的所有写入；扇出只在读锁下取快照
type Hub struct {
	mu       sync.RWMutex
	registry *SessionRegistry
	members  *MembershipTracker
	presence *PresenceTracker
	fanout   *FanoutEngine
	closed   bool

	// 同一身份的在线状态事件按版本顺序发布，旧版本直接丢弃
	presenceMu        sync.Mutex
	presencePublished map[entity.Identity]uint64

	cfg         HubConfig
	verifier    out.TokenVerifier
	contacts    out.ContactDirectory
	groups      out.GroupDirectory
	presenceLog out.PresenceLog
	metrics     *Metrics
	now         func() time.Time
}

var (
	_ in.ConnectionUseCase = (*Hub)(nil)
	_ in.PublishUseCase    = (*Hub)(nil)
	_ in.PresenceUseCase   = (*Hub)(nil)
)

func NewHub(cfg HubConfig, verifier out.TokenVerifier, opts ...HubOption) *Hub {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHubConfig().HeartbeatTimeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultHubConfig().CheckInterval
	}
	if cfg.PresenceAudience == "" {
		cfg.PresenceAudience = AudienceBroadcast
	}
	if cfg.PresenceRetention <= 0 {
		cfg.PresenceRetention = DefaultHubConfig().PresenceRetention
	}

	registry := NewSessionRegistry()
	h := &Hub{
		registry:          registry,
		members:           NewMembershipTracker(registry),
		presence:          NewPresenceTracker(),
		presencePublished: make(map[entity.Identity]uint64),
		cfg:               cfg,
		verifier:          verifier,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	h.fanout = NewFanoutEngine(h, h.metrics)
	return h
}

// Connect 握手成功后创建未认证会话
func (h *Hub) Connect(transport out.Transport) (entity.SessionID, error) {
	fsm := lifecycle.NewConnectionStateMachine()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fsm.Transition(lifecycle.EventHandshakeFailed)
		transport.Close()
		h.metrics.handshakeFailed()
		return "", fmt.Errorf("hub is shutting down: %w", entity.ErrSessionClosed)
	}
	if _, err := fsm.Transition(lifecycle.EventHandshake); err != nil {
		h.mu.Unlock()
		transport.Close()
		return "", err
	}
	id := h.registry.Open("", transport, fsm, h.now())
	if h.cfg.AutoBroadcast {
		h.members.Subscribe(id, entity.Broadcast())
	}
	h.mu.Unlock()

	h.metrics.sessionOpened()
	zap.L().Debug("session opened", zap.String("sessionID", string(id)))
	return id, nil
}

// FailHandshake 传输层握手失败，不创建会话
func (h *Hub) FailHandshake(transport out.Transport, cause error) {
	state, _ := lifecycle.NewConnectionStateMachine().Transition(lifecycle.EventHandshakeFailed)
	if transport != nil {
		transport.Close()
	}
	h.metrics.handshakeFailed()
	zap.L().Debug("handshake failed", zap.String("state", string(state)), zap.Error(cause))
}

// Session 查询会话快照
func (h *Hub) Session(sessionID entity.SessionID) (entity.Session, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	session, ok := h.registry.Get(sessionID)
	if !ok {
		return entity.Session{}, entity.ErrUnknownSession
	}
	return session, nil
}

// Authenticate 校验凭证后绑定身份
func (h *Hub) Authenticate(ctx context.Context, sessionID entity.SessionID, token string) (entity.Identity, error) {
	if h.verifier == nil {
		return "", fmt.Errorf("%w: no token verifier configured", entity.ErrUnauthenticated)
	}
	identity, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", entity.ErrUnauthenticated, err)
	}
	if err := h.Bind(ctx, sessionID, identity); err != nil {
		return "", err
	}
	return identity, nil
}

// Bind 把已验证的身份绑定到会话，同时推导在线状态
func (h *Hub) Bind(ctx context.Context, sessionID entity.SessionID, identity entity.Identity) error {
	if !identity.Valid() {
		return fmt.Errorf("%w: invalid identity %q", entity.ErrUnauthenticated, identity)
	}

	h.mu.Lock()
	entry, ok := h.registry.entry(sessionID)
	if !ok {
		h.mu.Unlock()
		return entity.ErrUnknownSession
	}
	switch entry.session.Identity {
	case identity:
		h.mu.Unlock()
		return nil
	case "":
	default:
		h.mu.Unlock()
		return entity.ErrAlreadyAuthenticated
	}
	if _, err := entry.fsm.Transition(lifecycle.EventAuthenticate); err != nil {
		h.mu.Unlock()
		return err
	}
	count, err := h.registry.Authenticate(sessionID, identity)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	ev := h.presence.OnSessionCountChanged(identity, count, h.now())
	h.mu.Unlock()

	zlog.C(ctx).Info("session authenticated",
		zap.String("sessionID", string(sessionID)),
		zap.String("identity", string(identity)),
		zap.Int("liveSessions", count))

	h.publishPresence(ctx, ev)
	return nil
}

// Subscribe 订阅范围，Direct 范围隐式生效
func (h *Hub) Subscribe(ctx context.Context, sessionID entity.SessionID, scope entity.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}

	if scope.IsGroup() && h.groups != nil {
		identity, err := h.IdentityOf(sessionID)
		if err != nil {
			return err
		}
		if identity == "" {
			return entity.ErrUnauthenticated
		}
		ok, err := h.groups.IsMember(ctx, scope.Group, identity)
		if err != nil {
			return fmt.Errorf("check group membership failed: %w", err)
		}
		if !ok {
			return entity.ErrNotGroupMember
		}
	}

	h.mu.Lock()
	added, err := h.members.Subscribe(sessionID, scope)
	h.mu.Unlock()
	if err != nil {
		return err
	}

	if added {
		zlog.C(ctx).Debug("scope subscribed",
			zap.String("sessionID", string(sessionID)),
			zap.String("scope", scope.String()))
	}
	return nil
}

// Unsubscribe 取消订阅，非成员时为空操作
func (h *Hub) Unsubscribe(ctx context.Context, sessionID entity.SessionID, scope entity.Scope) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.registry.has(sessionID) {
		return entity.ErrUnknownSession
	}
	h.members.Unsubscribe(sessionID, scope)
	return nil
}

// Heartbeat 刷新心跳时间
func (h *Hub) Heartbeat(sessionID entity.SessionID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registry.Touch(sessionID, h.now())
}

// Disconnect 进入 Closed：退订全部范围、注销会话、按关闭后的会话数更新在线状态，三步在同一临界区内完成
func (h *Hub) Disconnect(ctx context.Context, sessionID entity.SessionID, reason lifecycle.Event) error {
	_, err := h.disconnect(ctx, sessionID, reason, false)
	return err
}

// disconnect onlyExpired 为 true 时在写锁内重新检查心跳，期间收到心跳的会话不关闭
func (h *Hub) disconnect(ctx context.Context, sessionID entity.SessionID, reason lifecycle.Event, onlyExpired bool) (bool, error) {
	h.mu.Lock()
	entry, ok := h.registry.entry(sessionID)
	if !ok {
		h.mu.Unlock()
		return false, entity.ErrUnknownSession
	}
	if onlyExpired && !entry.session.Expired(h.now(), h.cfg.HeartbeatTimeout) {
		h.mu.Unlock()
		return false, nil
	}
	if _, err := entry.fsm.Transition(reason); err != nil {
		h.mu.Unlock()
		return false, err
	}

	h.members.UnsubscribeAll(sessionID)
	identity, remaining, _ := h.registry.Close(sessionID)
	var ev *entity.PresenceEvent
	if identity != "" {
		ev = h.presence.OnSessionCountChanged(identity, remaining, h.now())
	}
	h.mu.Unlock()

	// 关闭传输会丢弃该会话尚未发送的消息
	if err := entry.transport.Close(); err != nil {
		zlog.C(ctx).Debug("close transport failed", zap.String("sessionID", string(sessionID)), zap.Error(err))
	}
	h.metrics.sessionClosed()

	zlog.C(ctx).Info("session closed",
		zap.String("sessionID", string(sessionID)),
		zap.String("identity", string(identity)),
		zap.String("reason", string(reason)),
		zap.Int("remaining", remaining))

	h.publishPresence(ctx, ev)
	return true, nil
}

// IdentityOf 查询会话绑定的身份，未认证时返回空串
func (h *Hub) IdentityOf(sessionID entity.SessionID) (entity.Identity, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	session, ok := h.registry.Get(sessionID)
	if !ok {
		return "", entity.ErrUnknownSession
	}
	return session.Identity, nil
}

// Publish 投递事件，外部生产者在持久化成功后调用
func (h *Hub) Publish(ctx context.Context, event *entity.Event) in.DeliveryReport {
	return h.fanout.Publish(ctx, event)
}

// SetStatus 显式设置在线状态
func (h *Hub) SetStatus(ctx context.Context, identity entity.Identity, status entity.PresenceStatus, customStatus *string) error {
	h.mu.Lock()
	ev, err := h.presence.SetStatus(identity, status, customStatus, h.now())
	h.mu.Unlock()
	if err != nil {
		return err
	}

	h.publishPresence(ctx, ev)
	return nil
}

// GetPresence 本进程未见过的身份从持久化日志补全最后活跃时间
func (h *Hub) GetPresence(ctx context.Context, identity entity.Identity) *entity.PresenceRecord {
	h.mu.RLock()
	record, known := h.presence.StatusOf(identity)
	h.mu.RUnlock()

	if !known && h.presenceLog != nil {
		stored, err := h.presenceLog.LastSeen(ctx, identity)
		if err != nil {
			zlog.C(ctx).Warn("load last seen failed", zap.String("identity", string(identity)), zap.Error(err))
		} else if stored != nil {
			record.LastSeenAt = stored.LastSeenAt
			record.CustomStatus = stored.CustomStatus
		}
	}
	return &record
}

// GetPresences 批量获取在线状态
func (h *Hub) GetPresences(ctx context.Context, identities []entity.Identity) map[entity.Identity]*entity.PresenceRecord {
	result := make(map[entity.Identity]*entity.PresenceRecord, len(identities))
	for _, identity := range identities {
		result[identity] = h.GetPresence(ctx, identity)
	}
	return result
}

// LiveSessionsFor 身份的在线会话
func (h *Hub) LiveSessionsFor(identity entity.Identity) []entity.SessionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.LiveSessionsFor(identity)
}

// MembersOf 范围内的在线会话
func (h *Hub) MembersOf(scope entity.Scope) []entity.SessionID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.members.MembersOf(scope)
}

// Reap 关闭心跳超时的会话并清理长期离线的在线状态，返回关闭数量
func (h *Hub) Reap(ctx context.Context) int {
	h.mu.RLock()
	expired := h.registry.Expired(h.now(), h.cfg.HeartbeatTimeout)
	h.mu.RUnlock()

	closed := 0
	for _, id := range expired {
		if ok, _ := h.disconnect(ctx, id, lifecycle.EventHeartbeatTimeout, true); ok {
			closed++
		}
	}
	if closed > 0 {
		zlog.C(ctx).Info("heartbeat timeout", zap.Int("closed", closed))
	}

	h.evictPresence(ctx)
	return closed
}

// evictPresence 清理离线超过保留时长的身份，发布版本记录一起删除
func (h *Hub) evictPresence(ctx context.Context) {
	h.mu.Lock()
	evicted := h.presence.Evict(h.now().Add(-h.cfg.PresenceRetention))
	h.mu.Unlock()
	if len(evicted) == 0 {
		return
	}

	h.presenceMu.Lock()
	for _, identity := range evicted {
		delete(h.presencePublished, identity)
	}
	h.presenceMu.Unlock()

	zlog.C(ctx).Debug("presence evicted", zap.Int("identities", len(evicted)))
}

// Run 周期性检查心跳，ctx 取消后返回
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Reap(ctx)
		}
	}
}

// Shutdown 拒绝新连接并关闭所有会话
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	ids := h.registry.All()
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.Disconnect(ctx, id, lifecycle.EventDisconnect); err != nil && !errors.Is(err, entity.ErrUnknownSession) {
			zlog.C(ctx).Warn("close session on shutdown failed", zap.String("sessionID", string(id)), zap.Error(err))
		}
	}
}

// Stats 运行统计
type Stats struct {
	Sessions   int   `json:"sessions"`
	Identities int   `json:"identities"`
	Scopes     int   `json:"scopes"`
	Published  int64 `json:"published"`
	Delivered  int64 `json:"delivered"`
	Dropped    int64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	stats := Stats{
		Sessions:   h.registry.Len(),
		Identities: h.registry.IdentityCount(),
		Scopes:     h.members.ScopeCount(),
	}
	h.mu.RUnlock()

	stats.Published, stats.Delivered, stats.Dropped = h.metrics.counters()
	return stats
}

// snapshot 在读锁下取出范围成员的传输，投递时不持锁
func (h *Hub) snapshot(scope entity.Scope) []deliveryTarget {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := h.members.MembersOf(scope)
	targets := make([]deliveryTarget, 0, len(ids))
	for _, id := range ids {
		if entry, ok := h.registry.entry(id); ok {
			targets = append(targets, deliveryTarget{sessionID: id, transport: entry.transport})
		}
	}
	return targets
}

func (h *Hub) publishPresence(ctx context.Context, ev *entity.PresenceEvent) {
	if ev == nil {
		return
	}

	// 在加锁前解析受众，联系人查询可能访问数据库
	scopes := h.presenceScopes(ctx, ev.Identity)

	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()

	if ev.Version <= h.presencePublished[ev.Identity] {
		return
	}
	h.presencePublished[ev.Identity] = ev.Version

	for _, scope := range scopes {
		event, err := entity.NewEvent(entity.EventPresenceChanged, scope, ev.Identity, ev)
		if err != nil {
			zlog.C(ctx).Warn("build presence event failed", zap.Error(err))
			return
		}
		h.fanout.Publish(ctx, event)
	}

	if h.presenceLog != nil {
		record := &entity.PresenceRecord{
			Identity:     ev.Identity,
			Status:       ev.NewStatus,
			CustomStatus: ev.CustomStatus,
			LastSeenAt:   ev.LastSeenAt,
			UpdatedAt:    ev.Timestamp,
		}
		if err := h.presenceLog.Record(ctx, record); err != nil {
			zlog.C(ctx).Warn("record presence failed", zap.String("identity", string(ev.Identity)), zap.Error(err))
		}
	}
}

func (h *Hub) presenceScopes(ctx context.Context, identity entity.Identity) []entity.Scope {
	if h.cfg.PresenceAudience != AudienceContacts || h.contacts == nil {
		return []entity.Scope{entity.Broadcast()}
	}

	scopes := []entity.Scope{entity.Self(identity)}
	contacts, err := h.contacts.ContactsOf(ctx, identity)
	if err != nil {
		zlog.C(ctx).Warn("load contacts failed", zap.String("identity", string(identity)), zap.Error(err))
		return scopes
	}
	for _, c := range contacts {
		if c != identity {
			scopes = append(scopes, entity.Self(c))
		}
	}
	return scopes
}
