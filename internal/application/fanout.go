package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/in"
	"github.com/EthanQC/realtime/internal/ports/out"
	"github.com/EthanQC/realtime/pkg/zlog"
)

// Envelope 下行事件帧
type Envelope struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Scope string          `json:"scope,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ts    int64           `json:"ts,omitempty"`
}

// EncodeEvent 事件只序列化一次，所有会话共用同一份字节
func EncodeEvent(event *entity.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:  string(event.Kind),
		ID:    event.ID,
		Scope: event.Scope.String(),
		Data:  event.Payload,
		Ts:    event.ProducedAt.UnixMilli(),
	})
}

type deliveryTarget struct {
	sessionID entity.SessionID
	transport out.Transport
}

// scopeResolver 在一致的快照上解析范围成员
type scopeResolver interface {
	snapshot(scope entity.Scope) []deliveryTarget
}

// FanoutEngine 事件扇出：尽力而为，至多一次，不重试
type FanoutEngine struct {
	resolver scopeResolver
	metrics  *Metrics
}

func NewFanoutEngine(resolver scopeResolver, metrics *Metrics) *FanoutEngine {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &FanoutEngine{resolver: resolver, metrics: metrics}
}

// Publish 投递给快照中的每个会话；单个会话失败只计数，不影响其他会话
func (f *FanoutEngine) Publish(ctx context.Context, event *entity.Event) in.DeliveryReport {
	var report in.DeliveryReport

	frame, err := EncodeEvent(event)
	if err != nil {
		zlog.C(ctx).Warn("encode event failed",
			zap.String("eventID", event.ID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
		return report
	}

	targets := f.resolver.snapshot(event.Scope)
	report.Targeted = len(targets)

	for _, t := range targets {
		// 队列满时丢弃这条消息（只针对该会话）
		if err := t.transport.Send(frame); err != nil {
			report.Dropped++
			zlog.C(ctx).Debug("delivery skipped",
				zap.String("sessionID", string(t.sessionID)),
				zap.String("kind", string(event.Kind)),
				zap.Error(deliveryError(err)))
			continue
		}
		report.Delivered++
	}

	f.metrics.observePublish(string(event.Kind), report.Delivered, report.Dropped)
	return report
}

func deliveryError(err error) error {
	if errors.Is(err, entity.ErrDeliveryFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", entity.ErrDeliveryFailed, err)
}
