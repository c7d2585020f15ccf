package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind 事件类型
type EventKind string

const (
	EventNewMessage      EventKind = "new_message"
	EventMessageDeleted  EventKind = "message_deleted"
	EventReactionAdded   EventKind = "reaction_added"
	EventGroupMessage    EventKind = "group_message"
	EventPresenceChanged EventKind = "presence_changed"
	EventCoinsChanged    EventKind = "coins_changed"
	EventNFTGifted       EventKind = "nft_gifted"
	EventCallSignal      EventKind = "call_signal"
	EventLevelUp         EventKind = "level_up"
	EventFriendRequest   EventKind = "friend_request"
	EventUserDeleted     EventKind = "user_deleted"
)

var knownKinds = map[EventKind]struct{}{
	EventNewMessage:      {},
	EventMessageDeleted:  {},
	EventReactionAdded:   {},
	EventGroupMessage:    {},
	EventPresenceChanged: {},
	EventCoinsChanged:    {},
	EventNFTGifted:       {},
	EventCallSignal:      {},
	EventLevelUp:         {},
	EventFriendRequest:   {},
	EventUserDeleted:     {},
}

// Valid 是否为已知事件类型
func (k EventKind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Event 待路由的事件，创建后不再修改
type Event struct {
	ID         string          `json:"id"`
	Kind       EventKind       `json:"kind"`
	Scope      Scope           `json:"scope"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Producer   Identity        `json:"producer,omitempty"`
	ProducedAt time.Time       `json:"produced_at"`
}

// NewEvent 创建事件，payload 会被序列化为 JSON
func NewEvent(kind EventKind, scope Scope, producer Identity, payload interface{}) (*Event, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal event payload failed: %w", err)
		}
		raw = data
	}

	e := &Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Scope:      scope,
		Payload:    raw,
		Producer:   producer,
		ProducedAt: time.Now(),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate 只校验路由所需字段，不关心 payload 内容
func (e *Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if err := e.Scope.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidEvent)
	}
	return nil
}

// Normalize 补全外部生产者未填写的字段
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ProducedAt.IsZero() {
		e.ProducedAt = now
	}
}

// DecodeEvent 解析外部生产者提交的 JSON 事件
func DecodeEvent(data []byte, now time.Time) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e.Normalize(now)
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
