package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// State 连接状态
type State string

const (
	StateConnecting      State = "connecting"      // 传输层握手中
	StateUnauthenticated State = "unauthenticated" // 已连接未认证
	StateAuthenticated   State = "authenticated"   // 已认证
	StateClosed          State = "closed"          // 已关闭
)

// Event 状态机事件
type Event string

const (
	EventHandshake        Event = "handshake"         // 握手成功
	EventHandshakeFailed  Event = "handshake_failed"  // 握手失败
	EventAuthenticate     Event = "authenticate"      // 认证成功
	EventDisconnect       Event = "disconnect"        // 传输层断开
	EventLogout           Event = "logout"            // 主动登出
	EventHeartbeatTimeout Event = "heartbeat_timeout" // 心跳超时
)

type stateEvent struct {
	state State
	event Event
}

var transitions = map[stateEvent]State{
	{StateConnecting, EventHandshake}:             StateUnauthenticated,
	{StateConnecting, EventHandshakeFailed}:       StateClosed,
	{StateConnecting, EventDisconnect}:            StateClosed,
	{StateUnauthenticated, EventAuthenticate}:     StateAuthenticated,
	{StateUnauthenticated, EventDisconnect}:       StateClosed,
	{StateUnauthenticated, EventLogout}:           StateClosed,
	{StateUnauthenticated, EventHeartbeatTimeout}: StateClosed,
	{StateAuthenticated, EventDisconnect}:         StateClosed,
	{StateAuthenticated, EventLogout}:             StateClosed,
	{StateAuthenticated, EventHeartbeatTimeout}:   StateClosed,
}

// ConnectionStateMachine 单条连接的状态机
type ConnectionStateMachine struct {
	mu       sync.RWMutex
	state    State
	closedBy Event
	closedAt time.Time
}

// NewConnectionStateMachine 创建状态机，初始为 Connecting
func NewConnectionStateMachine() *ConnectionStateMachine {
	return &ConnectionStateMachine{state: StateConnecting}
}

// Transition 执行状态转换
func (sm *ConnectionStateMachine) Transition(event Event) (State, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	next, ok := transitions[stateEvent{sm.state, event}]
	if !ok {
		return sm.state, fmt.Errorf("%w: %s on %s", entity.ErrInvalidTransition, event, sm.state)
	}

	if next == StateClosed {
		sm.closedBy = event
		sm.closedAt = time.Now()
	}
	sm.state = next
	return next, nil
}

// CanTransition 判断事件在当前状态下是否合法
func (sm *ConnectionStateMachine) CanTransition(event Event) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := transitions[stateEvent{sm.state, event}]
	return ok
}

// State 当前状态
func (sm *ConnectionStateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// ClosedBy 关闭原因，未关闭时为空
func (sm *ConnectionStateMachine) ClosedBy() Event {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.closedBy
}

func (sm *ConnectionStateMachine) IsClosed() bool {
	return sm.State() == StateClosed
}
