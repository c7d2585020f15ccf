package entity

import "errors"

var (
	// 会话相关
	ErrUnknownSession       = errors.New("unknown session")
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	ErrUnauthenticated      = errors.New("session not authenticated")
	ErrSessionClosed        = errors.New("session closed")

	// 投递相关
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrInvalidEvent   = errors.New("invalid event")
	ErrInvalidScope   = errors.New("invalid scope")
	ErrNotGroupMember = errors.New("not a member of group")

	// 状态相关
	ErrInvalidStatus     = errors.New("invalid presence status")
	ErrInvalidTransition = errors.New("invalid state transition")
)
