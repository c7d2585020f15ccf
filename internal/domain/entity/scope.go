package entity

import (
	"fmt"
	"strings"
)

// ScopeKind 投递范围类型
type ScopeKind uint8

const (
	ScopeDirect ScopeKind = iota + 1
	ScopeGroup
	ScopeBroadcast
)

const (
	directPrefix = "direct:"
	directSep    = "|"
	groupPrefix  = "group:"
	broadcastKey = "broadcast"
)

// Scope 投递目标，值类型可直接作为 map key
// Direct 的两个身份按字典序存放，保证 Direct(a,b) == Direct(b,a)
type Scope struct {
	Kind  ScopeKind
	A     Identity
	B     Identity
	Group string
}

// Direct 私聊范围
func Direct(a, b Identity) Scope {
	if b < a {
		a, b = b, a
	}
	return Scope{Kind: ScopeDirect, A: a, B: b}
}

// Self 只投递给某个身份自己的所有会话
func Self(u Identity) Scope {
	return Direct(u, u)
}

// Group 群聊范围
func Group(groupID string) Scope {
	return Scope{Kind: ScopeGroup, Group: groupID}
}

// Broadcast 全体在线会话
func Broadcast() Scope {
	return Scope{Kind: ScopeBroadcast}
}

func (s Scope) IsDirect() bool    { return s.Kind == ScopeDirect }
func (s Scope) IsGroup() bool     { return s.Kind == ScopeGroup }
func (s Scope) IsBroadcast() bool { return s.Kind == ScopeBroadcast }

// Validate 校验范围是否合法
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeDirect:
		if s.A == "" || s.B == "" {
			return fmt.Errorf("%w: direct scope needs two identities", ErrInvalidScope)
		}
		if !s.A.Valid() || !s.B.Valid() {
			return fmt.Errorf("%w: identity must not contain %q", ErrInvalidScope, directSep)
		}
	case ScopeGroup:
		if s.Group == "" {
			return fmt.Errorf("%w: empty group id", ErrInvalidScope)
		}
	case ScopeBroadcast:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidScope, s.Kind)
	}
	return nil
}

// String 文本形式：direct:a|b、group:g、broadcast
func (s Scope) String() string {
	switch s.Kind {
	case ScopeDirect:
		return directPrefix + string(s.A) + directSep + string(s.B)
	case ScopeGroup:
		return groupPrefix + s.Group
	case ScopeBroadcast:
		return broadcastKey
	default:
		return "invalid"
	}
}

// ParseScope 解析 String 的输出，direct:a 视为 Self(a)
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == broadcastKey:
		return Broadcast(), nil
	case strings.HasPrefix(raw, groupPrefix):
		s := Group(strings.TrimPrefix(raw, groupPrefix))
		return s, s.Validate()
	case strings.HasPrefix(raw, directPrefix):
		parts := strings.SplitN(strings.TrimPrefix(raw, directPrefix), directSep, 2)
		if len(parts) == 1 {
			parts = append(parts, parts[0])
		}
		s := Direct(Identity(parts[0]), Identity(parts[1]))
		return s, s.Validate()
	default:
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
}

func (s Scope) MarshalText() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
