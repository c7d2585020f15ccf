package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EthanQC/realtime/pkg/jwt"
)

// frame 服务端下行帧，事件帧的 type 为事件类型
type frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// benchPayload 发布事件的 payload，sent_at 用于计算端到端延迟
type benchPayload struct {
	SentAt int64  `json:"sent_at"`
	Pad    string `json:"pad,omitempty"`
}

// Client 单条压测连接
type Client struct {
	id     int
	conn   *websocket.Conn
	stats  *Stats
	mu     sync.Mutex // 串行化写
	closed int32
}

// dial 建立连接并完成认证；fanout 模式同时加入压测群
func dial(ctx context.Context, id int, cfg Config, tokens jwt.Manager, stats *Stats) (*Client, error) {
	atomic.AddInt64(&stats.TotalAttempts, 1)
	start := time.Now()

	target := cfg.Target
	if tokens != nil {
		token, err := tokens.Generate(fmt.Sprintf("bench-%d", id), "", cfg.Duration+cfg.Ramp+time.Hour)
		if err != nil {
			atomic.AddInt64(&stats.FailedConns, 1)
			return nil, fmt.Errorf("sign token: %w", err)
		}
		target += "?token=" + url.QueryEscape(token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil, err
	}

	c := &Client{id: id, conn: ws, stats: stats}
	// 握手后第一帧是 welcome，带 token 时随后是认证回执
	want := 1
	if tokens != nil {
		want = 2
	}
	if err := c.awaitHandshake(want); err != nil {
		ws.Close()
		atomic.AddInt64(&stats.FailedConns, 1)
		return nil, err
	}

	if cfg.Mode == modeFanout {
		if tokens == nil {
			ws.Close()
			atomic.AddInt64(&stats.FailedConns, 1)
			return nil, errors.New("fanout mode needs -jwt-secret")
		}
		if err := c.write(map[string]interface{}{
			"type": "join_group",
			"id":   "join",
			"data": map[string]string{"group_id": cfg.Group},
		}); err != nil {
			ws.Close()
			atomic.AddInt64(&stats.FailedConns, 1)
			return nil, err
		}
	}

	stats.recordConnLatency(time.Since(start))
	atomic.AddInt64(&stats.SuccessConns, 1)
	atomic.AddInt64(&stats.CurrentConns, 1)
	return c, nil
}

func (c *Client) awaitHandshake(want int) error {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer c.conn.SetReadDeadline(time.Time{})

	for seen := 0; seen < want; {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return err
		}
		switch f.Type {
		case "welcome", "ack":
			seen++
		case "error":
			return fmt.Errorf("handshake rejected: %s", string(f.Data))
		}
	}
	return nil
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) close() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.conn.Close()
		atomic.AddInt64(&c.stats.CurrentConns, -1)
	}
}

// run 维持连接直到 ctx 结束或服务端断开
func (c *Client) run(ctx context.Context, pingInterval time.Duration) {
	defer c.close()

	// 服务端 ping 由 gorilla 默认处理器回 pong
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop()
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-readDone:
			return
		case <-ping.C:
			err := c.write(map[string]interface{}{"type": "ping", "id": fmt.Sprintf("p%d", c.id)})
			if err != nil {
				c.stats.recordError(errors.New("ping_failed"))
				continue
			}
			atomic.AddInt64(&c.stats.PingsSent, 1)
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) &&
				atomic.LoadInt32(&c.closed) == 0 {
				atomic.AddInt64(&c.stats.Disconnects, 1)
			}
			return
		}

		var f frame
		if json.Unmarshal(msg, &f) != nil {
			continue
		}
		switch f.Type {
		case "pong":
			atomic.AddInt64(&c.stats.PongsReceived, 1)
		case "group_message":
			var p benchPayload
			if json.Unmarshal(f.Data, &p) == nil && p.SentAt > 0 {
				c.stats.recordEventLatency(time.Since(time.Unix(0, p.SentAt)))
			}
			atomic.AddInt64(&c.stats.EventsReceived, 1)
		case "presence_changed":
			atomic.AddInt64(&c.stats.PresenceReceived, 1)
		case "error":
			c.stats.recordError(fmt.Errorf("server error: %s", string(f.Data)))
		}
	}
}

// publisher 以固定速率向 /internal/events 发布群事件
type publisher struct {
	endpoint string
	key      string
	group    string
	rate     int
	pad      string
	client   *http.Client
	stats    *Stats
}

func newPublisher(cfg Config, stats *Stats) *publisher {
	return &publisher{
		endpoint: strings.TrimRight(cfg.API, "/") + "/internal/events",
		key:      cfg.InternalKey,
		group:    cfg.Group,
		rate:     cfg.Rate,
		pad:      strings.Repeat("x", cfg.PayloadSize),
		client:   &http.Client{Timeout: 5 * time.Second},
		stats:    stats,
	}
}

func (p *publisher) run(ctx context.Context) {
	if p.rate <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second / time.Duration(p.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(ctx); err != nil {
				atomic.AddInt64(&p.stats.PublishFailed, 1)
				p.stats.recordError(err)
				continue
			}
			atomic.AddInt64(&p.stats.EventsPublished, 1)
		}
	}
}

func (p *publisher) publish(ctx context.Context) error {
	body, err := json.Marshal(map[string]interface{}{
		"kind":    "group_message",
		"scope":   "group:" + p.group,
		"payload": benchPayload{SentAt: time.Now().UnixNano(), Pad: p.pad},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.key != "" {
		req.Header.Set("X-Internal-Key", p.key)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("publish status %d", resp.StatusCode)
	}
	return nil
}
