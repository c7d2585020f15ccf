package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "im:presence:u1", presenceKey("u1"))
	assert.Equal(t, "im:lastseen:u1", lastSeenKey("u1"))
}

func TestDecodeLastSeen(t *testing.T) {
	ctx := context.Background()
	seen := time.Unix(1700000000, 0)

	snapshot := redis.NewStringCmd(ctx)
	snapshot.SetVal(`{"identity":"u1","status":"away","custom_status":"lunch","last_seen_at":"2023-11-14T22:00:00Z"}`)
	lastSeen := redis.NewStringCmd(ctx)
	lastSeen.SetVal("1700000000")

	record, err := decodeLastSeen("u1", snapshot, lastSeen)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, entity.PresenceStatusOffline, record.Status)
	assert.Equal(t, "lunch", record.CustomStatus)
	assert.True(t, record.LastSeenAt.Equal(seen), "got %s", record.LastSeenAt)
}

func TestDecodeLastSeen_Missing(t *testing.T) {
	ctx := context.Background()
	snapshot := redis.NewStringCmd(ctx)
	snapshot.SetErr(redis.Nil)
	lastSeen := redis.NewStringCmd(ctx)
	lastSeen.SetErr(redis.Nil)

	record, err := decodeLastSeen("u1", snapshot, lastSeen)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestDecodeLastSeen_Corrupt(t *testing.T) {
	ctx := context.Background()
	snapshot := redis.NewStringCmd(ctx)
	snapshot.SetErr(redis.Nil)
	lastSeen := redis.NewStringCmd(ctx)
	lastSeen.SetVal("yesterday")

	_, err := decodeLastSeen("u1", snapshot, lastSeen)
	assert.Error(t, err)
}

// 需要本地 Redis：REDIS_ADDR=127.0.0.1:6379 go test ./...
func TestPresenceLog_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	identity := entity.Identity("test_" + time.Now().Format("150405.000000000"))
	defer client.Del(ctx, presenceKey(identity), lastSeenKey(identity))

	log := NewPresenceLog(client, time.Minute, time.Hour)

	record, err := log.LastSeen(ctx, identity)
	require.NoError(t, err)
	assert.Nil(t, record)

	seen := time.Now().Truncate(time.Second)
	require.NoError(t, log.Record(ctx, &entity.PresenceRecord{
		Identity:     identity,
		Status:       entity.PresenceStatusOffline,
		CustomStatus: "brb",
		LastSeenAt:   seen,
		UpdatedAt:    seen,
	}))

	record, err = log.LastSeen(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "brb", record.CustomStatus)
	assert.True(t, record.LastSeenAt.Equal(seen))

	ttl, err := client.TTL(ctx, lastSeenKey(identity)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}
