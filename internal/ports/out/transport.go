package out

import "context"

// Transport 单条连接的下行通道
type Transport interface {
	// Send 非阻塞投递，队列满或已关闭时返回错误
	Send(message []byte) error
	// Close 关闭连接并丢弃未发送的消息
	Close() error
}

// EventConsumer 事件消费者接口
type EventConsumer interface {
	// Start 启动消费
	Start(ctx context.Context) error
	// Stop 停止消费
	Stop() error
}
