package msgsync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedisBroadcasterNilClientDegrades(t *testing.T) {
	b := NewRedisBroadcaster(nil, "alice")
	require.NotEmpty(t, b.InstanceID())

	// Local-only fallback must stay usable: publish is a no-op, never a
	// panic.
	b.Publish(Event{Type: EventMessageReceived, Payload: map[string]any{"id": "m1"}})
	require.NoError(t, b.Close())
}

func TestRedisBroadcasterDispatchSuppressesOwnEvents(t *testing.T) {
	b := &redisBroadcaster{instanceID: "inst-a"}

	var got []Event
	b.SetHandler(func(ev Event) { got = append(got, ev) })

	foreign, err := json.Marshal(Event{
		Type:             EventMessageReceived,
		Payload:          map[string]any{"id": "m1"},
		SenderInstanceID: "inst-b",
	})
	require.NoError(t, err)
	own, err := json.Marshal(Event{
		Type:             EventMessageReceived,
		Payload:          map[string]any{"id": "m2"},
		SenderInstanceID: "inst-a",
	})
	require.NoError(t, err)

	b.dispatchRaw(foreign)
	b.dispatchRaw(own)

	require.Len(t, got, 1, "own events must be suppressed")
	require.Equal(t, "m1", got[0].Payload["id"])
}

func TestRedisBroadcasterDispatchDropsJunk(t *testing.T) {
	b := &redisBroadcaster{instanceID: "inst-a"}

	calls := 0
	b.SetHandler(func(Event) { calls++ })

	b.dispatchRaw([]byte(`{not json`))
	b.dispatchRaw([]byte(`{"type":"TELEPATHY","senderInstanceId":"inst-b"}`))

	require.Zero(t, calls)
}
