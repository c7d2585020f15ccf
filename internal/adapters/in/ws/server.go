package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// Hub WebSocket 适配器依赖的用例
type Hub interface {
	in.ConnectionUseCase
	in.PublishUseCase
	in.PresenceUseCase
	FailHandshake(transport out.Transport, cause error)
}

// Options 连接参数
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
	}
}

// Server 负责升级 HTTP 连接并启动读写协程
type Server struct {
	hub      Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewServer(hub Hub, opts Options) *Server {
	def := DefaultOptions()
	if opts.WriteWait <= 0 {
		opts.WriteWait = def.WriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = def.PongWait
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}

	s := &Server{hub: hub, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// HandleConnection 升级连接；携带 token 时在握手后立即认证
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		s.hub.FailHandshake(nil, err)
		return
	}

	c := newConnection(conn, s.hub, s.opts)
	sessionID, err := s.hub.Connect(c)
	if err != nil {
		zlog.C(r.Context()).Warn("open session failed", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(s.opts.WriteWait))
		conn.Close()
		return
	}
	c.sessionID = sessionID
	c.ctx = zlog.With(c.ctx, zap.String("sessionID", string(sessionID)))

	c.sendFrame(MsgTypeWelcome, "", welcomeData{SessionID: string(sessionID)})
	if token := tokenFromRequest(r); token != "" {
		c.authenticate(c.ctx, "", token)
	}

	go c.WritePump()
	go c.ReadPump()
}

func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

var _ out.Transport = (*Connection)(nil)
