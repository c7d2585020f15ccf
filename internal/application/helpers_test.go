package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/EthanQC/realtime/internal/domain/entity"
)

// tokenVerifier token 即身份，"bad" 视为无效
type tokenVerifier struct{}

func (tokenVerifier) Verify(_ context.Context, token string) (entity.Identity, error) {
	if token == "" || token == "bad" {
		return "", errors.New("invalid token")
	}
	return entity.Identity(token), nil
}

type fakeContacts map[entity.Identity][]entity.Identity

func (f fakeContacts) ContactsOf(_ context.Context, identity entity.Identity) ([]entity.Identity, error) {
	return f[identity], nil
}

type fakeGroups map[string][]entity.Identity

func (f fakeGroups) IsMember(_ context.Context, groupID string, identity entity.Identity) (bool, error) {
	for _, m := range f[groupID] {
		if m == identity {
			return true, nil
		}
	}
	return false, nil
}

type fakePresenceLog struct {
	mu      sync.Mutex
	records []entity.PresenceRecord
	stored  map[entity.Identity]*entity.PresenceRecord
}

func (f *fakePresenceLog) Record(_ context.Context, record *entity.PresenceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *record)
	return nil
}

func (f *fakePresenceLog) LastSeen(_ context.Context, identity entity.Identity) (*entity.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stored[identity], nil
}

// fakeClock 手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func decodeFrames(t *testing.T, frames [][]byte) []Envelope {
	t.Helper()
	out := make([]Envelope, 0, len(frames))
	for _, f := range frames {
		var env Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

// eventsOf 取出某种类型的事件帧，其余丢弃
func eventsOf(t *testing.T, tr *ChannelTransport, kind entity.EventKind) []Envelope {
	t.Helper()
	var out []Envelope
	for _, env := range decodeFrames(t, tr.Drain()) {
		if env.Type == string(kind) {
			out = append(out, env)
		}
	}
	return out
}

func presencePayloads(t *testing.T, envs []Envelope) []entity.PresenceEvent {
	t.Helper()
	out := make([]entity.PresenceEvent, 0, len(envs))
	for _, env := range envs {
		var ev entity.PresenceEvent
		require.NoError(t, json.Unmarshal(env.Data, &ev))
		out = append(out, ev)
	}
	return out
}
