package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/application"
	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/domain/lifecycle"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// Connection 单条 WebSocket 连接，实现 out.Transport
// 下行消息经有界队列由 WritePump 顺序写出
type Connection struct {
	conn      *websocket.Conn
	queue     *application.OutboundQueue
	hub       Hub
	opts      Options
	sessionID entity.SessionID
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConnection(conn *websocket.Conn, hub Hub, opts Options) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:   conn,
		queue:  application.NewOutboundQueue(opts.SendBuffer),
		hub:    hub,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send 非阻塞入队
func (c *Connection) Send(message []byte) error {
	return c.queue.Push(message)
}

// Close 关闭发送队列，WritePump 发出关闭帧后断开底层连接
func (c *Connection) Close() error {
	if c.queue.Close() {
		c.cancel()
	}
	return nil
}

// ReadPump 读取客户端帧，退出时关闭会话
func (c *Connection) ReadPump() {
	defer func() {
		err := c.hub.Disconnect(context.WithoutCancel(c.ctx), c.sessionID, lifecycle.EventDisconnect)
		if err != nil && !errors.Is(err, entity.ErrUnknownSession) && !errors.Is(err, entity.ErrInvalidTransition) {
			zlog.C(c.ctx).Warn("disconnect failed", zap.Error(err))
		}
		c.Close()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.hub.Heartbeat(c.sessionID)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zlog.C(c.ctx).Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		if !c.handleMessage(message) {
			return
		}
	}
}

// WritePump 顺序写出队列中的消息，并定时发送 ping
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.queue.C():
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zlog.C(c.ctx).Debug("websocket write error", zap.Error(err))
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// handleMessage 返回 false 表示连接应当结束
func (c *Connection) handleMessage(data []byte) bool {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid frame")
		return true
	}

	// 任意客户端帧都视为活跃
	if err := c.hub.Heartbeat(c.sessionID); err != nil {
		return false
	}

	ctx := c.ctx
	switch msg.Type {
	case MsgTypeAuth:
		c.handleAuth(ctx, msg)
	case MsgTypeSubscribe, MsgTypeJoinGroup:
		c.handleScope(ctx, msg, true)
	case MsgTypeUnsubscribe, MsgTypeLeaveGroup:
		c.handleScope(ctx, msg, false)
	case MsgTypePing:
		c.sendFrame(MsgTypePong, msg.ID, nil)
	case MsgTypeStatus:
		c.handleStatus(ctx, msg)
	case MsgTypeSignal:
		c.handleSignal(ctx, msg)
	case MsgTypeLogout:
		if err := c.hub.Disconnect(ctx, c.sessionID, lifecycle.EventLogout); err != nil {
			zlog.C(ctx).Debug("logout failed", zap.Error(err))
		}
		return false
	default:
		c.sendError(msg.ID, "unknown type "+string(msg.Type))
	}
	return true
}

func (c *Connection) handleAuth(ctx context.Context, msg WSMessage) {
	var req authData
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.Token == "" {
		c.sendError(msg.ID, "token required")
		return
	}
	c.authenticate(ctx, msg.ID, req.Token)
}

func (c *Connection) authenticate(ctx context.Context, msgID, token string) {
	identity, err := c.hub.Authenticate(ctx, c.sessionID, token)
	if err != nil {
		c.sendError(msgID, errorText(err))
		return
	}
	c.sendFrame(MsgTypeAck, msgID, ackData{Status: "ok", Identity: string(identity)})
}

func (c *Connection) handleScope(ctx context.Context, msg WSMessage, subscribe bool) {
	var req scopeData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError(msg.ID, "invalid scope")
		return
	}

	var scope entity.Scope
	if req.GroupID != "" {
		scope = entity.Group(req.GroupID)
	} else {
		parsed, err := entity.ParseScope(req.Scope)
		if err != nil {
			c.sendError(msg.ID, "invalid scope")
			return
		}
		scope = parsed
	}

	var err error
	if subscribe {
		if !scope.IsBroadcast() && !c.authenticated() {
			c.sendError(msg.ID, errorText(entity.ErrUnauthenticated))
			return
		}
		err = c.hub.Subscribe(ctx, c.sessionID, scope)
	} else {
		err = c.hub.Unsubscribe(ctx, c.sessionID, scope)
	}
	if err != nil {
		c.sendError(msg.ID, errorText(err))
		return
	}
	c.sendFrame(MsgTypeAck, msg.ID, ackData{Status: "ok", Scope: scope.String()})
}

func (c *Connection) handleStatus(ctx context.Context, msg WSMessage) {
	identity, ok := c.requireIdentity(msg.ID)
	if !ok {
		return
	}

	var req statusData
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		c.sendError(msg.ID, "invalid status")
		return
	}
	status, err := entity.ParsePresenceStatus(req.Status)
	if err != nil {
		c.sendError(msg.ID, errorText(err))
		return
	}

	if err := c.hub.SetStatus(ctx, identity, status, req.CustomStatus); err != nil {
		c.sendError(msg.ID, errorText(err))
		return
	}
	c.sendFrame(MsgTypeAck, msg.ID, ackData{Status: "ok"})
}

// handleSignal 通话信令只做转发，目标的所有设备都会收到
func (c *Connection) handleSignal(ctx context.Context, msg WSMessage) {
	identity, ok := c.requireIdentity(msg.ID)
	if !ok {
		return
	}

	var req signalData
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.To == "" {
		c.sendError(msg.ID, "signal target required")
		return
	}

	event, err := entity.NewEvent(entity.EventCallSignal, entity.Self(entity.Identity(req.To)), identity, SignalPayload{
		From:    string(identity),
		Payload: req.Payload,
	})
	if err != nil {
		c.sendError(msg.ID, errorText(err))
		return
	}

	c.hub.Publish(ctx, event)
	c.sendFrame(MsgTypeAck, msg.ID, ackData{Status: "ok"})
}

func (c *Connection) authenticated() bool {
	identity, err := c.hub.IdentityOf(c.sessionID)
	return err == nil && identity != ""
}

func (c *Connection) requireIdentity(msgID string) (entity.Identity, bool) {
	identity, err := c.hub.IdentityOf(c.sessionID)
	if err != nil || identity == "" {
		c.sendError(msgID, errorText(entity.ErrUnauthenticated))
		return "", false
	}
	return identity, true
}

func (c *Connection) sendFrame(typ WSMessageType, id string, data interface{}) {
	frame, err := newFrame(typ, id, data)
	if err != nil {
		zlog.C(c.ctx).Warn("encode frame failed", zap.Error(err))
		return
	}
	if err := c.Send(frame); err != nil {
		zlog.C(c.ctx).Debug("reply dropped", zap.String("type", string(typ)), zap.Error(err))
	}
}

func (c *Connection) sendError(id, message string) {
	c.sendFrame(MsgTypeError, id, errorData{Error: message})
}

// errorText 只把哨兵错误的文本暴露给客户端
func errorText(err error) string {
	for _, target := range []error{
		entity.ErrUnauthenticated,
		entity.ErrAlreadyAuthenticated,
		entity.ErrNotGroupMember,
		entity.ErrInvalidScope,
		entity.ErrInvalidStatus,
		entity.ErrInvalidEvent,
		entity.ErrUnknownSession,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "internal error"
}
