package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
)

// DefaultTopic 生产者在持久化成功后写入的事件主题，key 为生产者身份
const DefaultTopic = "im.realtime.events"

// KafkaEventConsumer 消费生产者事件并扇出
type KafkaEventConsumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       *eventHandler
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

var _ out.EventConsumer = (*KafkaEventConsumer)(nil)

// NewKafkaEventConsumer 创建消费者，不会等待 broker 就绪
func NewKafkaEventConsumer(brokers []string, groupID, topic string, publisher in.PublishUseCase) (*KafkaEventConsumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// 断线期间的事件不补发
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group failed: %w", err)
	}

	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaEventConsumer{
		consumerGroup: consumerGroup,
		topics:        []string{topic},
		handler:       &eventHandler{publisher: publisher},
	}, nil
}

// Start 在后台消费，ctx 取消或 Stop 后退出
func (c *KafkaEventConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				zap.L().Warn("kafka consume failed", zap.Error(err))
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				zap.L().Warn("kafka consumer error", zap.Error(err))
			}
		}
	}()

	zap.L().Info("kafka consumer started", zap.Strings("topics", c.topics))
	return nil
}

func (c *KafkaEventConsumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.consumerGroup.Close()
	c.wg.Wait()
	return err
}

// eventHandler 实现 sarama.ConsumerGroupHandler
// 同一分区内按顺序发布，保证同一生产者的事件有序
type eventHandler struct {
	publisher in.PublishUseCase
}

func (h *eventHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *eventHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *eventHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handleMessage(session.Context(), message)
			// 格式错误的消息同样提交位点，不重试
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *eventHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	event, err := entity.DecodeEvent(message.Value, time.Now())
	if err != nil {
		zap.L().Warn("skip malformed event",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.Error(err))
		return
	}

	report := h.publisher.Publish(ctx, event)
	zap.L().Debug("event published",
		zap.String("eventID", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("scope", event.Scope.String()),
		zap.Int("delivered", report.Delivered),
		zap.Int("dropped", report.Dropped))
}
