package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e, err := NewEvent(EventNewMessage, Direct("a", "b"), "a", map[string]string{"text": "hi"})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.ProducedAt.IsZero())
	assert.JSONEq(t, `{"text":"hi"}`, string(e.Payload))

	raw, err := NewEvent(EventLevelUp, Self("a"), "", json.RawMessage(`{"level":3}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":3}`, string(raw.Payload))

	empty, err := NewEvent(EventUserDeleted, Broadcast(), "", nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Payload)
}

func TestNewEvent_Invalid(t *testing.T) {
	_, err := NewEvent("spin_wheel", Broadcast(), "", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewEvent(EventNewMessage, Scope{}, "", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = NewEvent(EventNewMessage, Broadcast(), "", []byte(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestDecodeEvent(t *testing.T) {
	now := time.Unix(1700000000, 0)
	e, err := DecodeEvent([]byte(`{"kind":"coins_changed","scope":"direct:u1","payload":{"coins":10},"producer":"u1"}`), now)
	require.NoError(t, err)

	assert.Equal(t, EventCoinsChanged, e.Kind)
	assert.Equal(t, Self("u1"), e.Scope)
	assert.Equal(t, Identity("u1"), e.Producer)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.ProducedAt.Equal(now))
	assert.JSONEq(t, `{"coins":10}`, string(e.Payload))

	keep, err := DecodeEvent([]byte(`{"id":"e1","kind":"new_message","scope":"group:g","produced_at":"2024-01-02T03:04:05Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, "e1", keep.ID)
	assert.Equal(t, 2024, keep.ProducedAt.Year())
}

func TestDecodeEvent_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":      `{`,
		"unknown kind":  `{"kind":"spin","scope":"broadcast"}`,
		"bad scope":     `{"kind":"new_message","scope":"room:1"}`,
		"empty group":   `{"kind":"group_message","scope":"group:"}`,
		"missing scope": `{"kind":"new_message"}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(raw), time.Now())
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestPresenceStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		st, err := ParsePresenceStatus(s)
		require.NoError(t, err)
		assert.Equal(t, PresenceStatus(s), st)
	}
	_, err := ParsePresenceStatus("invisible")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	r := PresenceRecord{Status: PresenceStatusBusy}
	assert.True(t, r.Online())
	r.Status = PresenceStatusOffline
	assert.False(t, r.Online())
}
