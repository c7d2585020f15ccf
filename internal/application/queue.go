package application

import (
	"sync"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// OutboundQueue 单个会话的有界发送队列
// 满时丢弃新消息（drop-newest），关闭后丢弃所有未发送消息
type OutboundQueue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func NewOutboundQueue(size int) *OutboundQueue {
	if size <= 0 {
		size = 256
	}
	return &OutboundQueue{ch: make(chan []byte, size)}
}

// Push 非阻塞入队
func (q *OutboundQueue) Push(message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return entity.ErrSessionClosed
	}
	select {
	case q.ch <- message:
		return nil
	default:
		return entity.ErrSendBufferFull
	}
}

// C 写协程从这里读取，队列关闭后通道关闭
func (q *OutboundQueue) C() <-chan []byte {
	return q.ch
}

// Close 关闭队列，只有第一次调用返回 true
func (q *OutboundQueue) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.closed = true
	close(q.ch)
	// 丢弃未发送的消息
	for range q.ch {
	}
	return true
}

func (q *OutboundQueue) Len() int {
	return len(q.ch)
}

// ChannelTransport 进程内传输，适用于内部订阅者和测试
type ChannelTransport struct {
	queue *OutboundQueue
}

func NewChannelTransport(size int) *ChannelTransport {
	return &ChannelTransport{queue: NewOutboundQueue(size)}
}

func (t *ChannelTransport) Send(message []byte) error {
	return t.queue.Push(message)
}

func (t *ChannelTransport) Close() error {
	t.queue.Close()
	return nil
}

// Messages 下行消息通道
func (t *ChannelTransport) Messages() <-chan []byte {
	return t.queue.C()
}

// Drain 取出当前已入队的全部消息
func (t *ChannelTransport) Drain() [][]byte {
	var out [][]byte
	for {
		select {
		case m, ok := <-t.queue.C():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}
