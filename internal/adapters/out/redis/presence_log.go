package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/realtime/internal/domain/entity"
	"github.com/EthanQC/realtime/internal/ports/out"
)

const (
	// 在线状态 Key 前缀
	presenceKeyPrefix = "im:presence:"
	// 最后活跃时间 Key 前缀
	lastSeenKeyPrefix = "im:lastseen:"

	defaultPresenceTTL = 5 * time.Minute
	defaultLastSeenTTL = 7 * 24 * time.Hour
)

// PresenceLog 在线状态变更的持久化日志，只在本进程没有记录时被读取
type PresenceLog struct {
	client      redis.UniversalClient
	presenceTTL time.Duration
	lastSeenTTL time.Duration
}

var _ out.PresenceLog = (*PresenceLog)(nil)

func NewPresenceLog(client redis.UniversalClient, presenceTTL, lastSeenTTL time.Duration) *PresenceLog {
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	if lastSeenTTL <= 0 {
		lastSeenTTL = defaultLastSeenTTL
	}
	return &PresenceLog{client: client, presenceTTL: presenceTTL, lastSeenTTL: lastSeenTTL}
}

func presenceKey(identity entity.Identity) string {
	return presenceKeyPrefix + string(identity)
}

func lastSeenKey(identity entity.Identity) string {
	return lastSeenKeyPrefix + string(identity)
}

// Record 写入状态快照和最后活跃时间
func (l *PresenceLog) Record(ctx context.Context, record *entity.PresenceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal presence failed: %w", err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, presenceKey(record.Identity), data, l.presenceTTL)
	if !record.LastSeenAt.IsZero() {
		pipe.Set(ctx, lastSeenKey(record.Identity), record.LastSeenAt.Unix(), l.lastSeenTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record presence failed: %w", err)
	}
	return nil
}

// LastSeen 读回最后活跃时间和自定义状态，两项都不存在时返回 nil
func (l *PresenceLog) LastSeen(ctx context.Context, identity entity.Identity) (*entity.PresenceRecord, error) {
	pipe := l.client.Pipeline()
	snapshot := pipe.Get(ctx, presenceKey(identity))
	lastSeen := pipe.Get(ctx, lastSeenKey(identity))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load presence failed: %w", err)
	}

	return decodeLastSeen(identity, snapshot, lastSeen)
}

func decodeLastSeen(identity entity.Identity, snapshot, lastSeen *redis.StringCmd) (*entity.PresenceRecord, error) {
	record := &entity.PresenceRecord{
		Identity: identity,
		Status:   entity.PresenceStatusOffline,
	}
	found := false

	if data, err := snapshot.Bytes(); err == nil {
		var stored entity.PresenceRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("decode presence failed: %w", err)
		}
		record.CustomStatus = stored.CustomStatus
		record.LastSeenAt = stored.LastSeenAt
		record.UpdatedAt = stored.UpdatedAt
		found = true
	}

	if raw, err := lastSeen.Result(); err == nil {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode last seen failed: %w", err)
		}
		if ts := time.Unix(sec, 0); ts.After(record.LastSeenAt) {
			record.LastSeenAt = ts
		}
		found = true
	}

	if !found {
		return nil, nil
	}
	return record, nil
}
