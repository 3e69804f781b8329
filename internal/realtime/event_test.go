package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoom_UserID(t *testing.T) {
	id, ok := UserRoom("u1").UserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok = BroadcastRoom().UserID()
	assert.False(t, ok)

	_, ok = Room("user:").UserID()
	assert.False(t, ok)
}

func TestEvent_ExpandKeepsOrder(t *testing.T) {
	a, _ := NewEvent(KindWagerSettled, WagerPayload{WagerID: "a"})
	b, _ := NewEvent(KindWagerSettled, WagerPayload{WagerID: "b"})
	c, _ := NewEvent(KindBalance, map[string]int64{"available": 1})

	nested := Batch([]Event{a, Batch([]Event{b, c})})
	got := nested.Expand()
	require.Len(t, got, 3)

	var p WagerPayload
	require.NoError(t, json.Unmarshal(got[0].Payload, &p))
	assert.Equal(t, "a", p.WagerID)
	require.NoError(t, json.Unmarshal(got[1].Payload, &p))
	assert.Equal(t, "b", p.WagerID)
	assert.Equal(t, KindBalance, got[2].Kind)
}

func TestEvent_ExpandSingle(t *testing.T) {
	ev, err := NewEvent(KindPong, nil)
	require.NoError(t, err)
	assert.Equal(t, []Event{ev}, ev.Expand())
	assert.Nil(t, ev.Payload)
}
