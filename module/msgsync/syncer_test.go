package msgsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSyncer(t *testing.T, tabs Broadcaster) (*Syncer, Store) {
	t.Helper()
	store := NewMemStore()
	sched := NewSendScheduler(store, SchedulerConf{
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
		MaxRetries: 5,
	})
	sy := NewSyncer(SyncerConf{Store: store, Scheduler: sched, Tabs: tabs})
	return sy, store
}

func TestSendMessageWritesOptimisticRecord(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	msg, err := sy.SendMessage(ctx, "c1", "hi there", "alice")
	require.NoError(t, err)
	require.Equal(t, msg.ID, msg.TempID, "optimistic message is keyed by its temp id")
	require.Equal(t, StatusSending, msg.Status)
	require.Equal(t, int64(1), msg.SequenceNumber)

	stored, err := store.GetMessageByTempID(ctx, msg.TempID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	req, err := store.GetSendRequestByMessageID(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, RequestPending, req.Status)

	// Sequence numbers keep counting per author.
	msg2, err := sy.SendMessage(ctx, "c1", "again", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), msg2.SequenceNumber)
}

func TestReconciliationSwapsTempForCanonical(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	var received []Event
	sy.Subscribe(EventMessageReceived, func(ev Event) { received = append(received, ev) })

	msg, err := sy.SendMessage(ctx, "c1", "hi", "alice")
	require.NoError(t, err)

	canonical := msg.Clone()
	canonical.ID = "srv-100"
	canonical.Status = StatusSent
	sy.OnIncomingMessage(ctx, canonical)

	old, err := store.GetMessage(ctx, msg.TempID)
	require.NoError(t, err)
	require.Nil(t, old, "temp record replaced")

	got, err := store.GetMessage(ctx, "srv-100")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got.TempID, "canonical record sheds the placeholder")
	require.Equal(t, StatusSent, got.Status)

	req, err := store.GetSendRequestByMessageID(ctx, msg.ID)
	require.NoError(t, err)
	require.Nil(t, req, "confirmed send request removed")

	require.Len(t, received, 1)
	require.Equal(t, "srv-100", received[0].Payload["id"])
}

func TestReconciliationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sy, _ := newTestSyncer(t, nil)

	msg, err := sy.SendMessage(ctx, "c1", "hi", "alice")
	require.NoError(t, err)

	canonical := msg.Clone()
	canonical.ID = "srv-1"
	canonical.Status = StatusSent

	// Scheduler success and transport echo may both deliver it.
	sy.OnIncomingMessage(ctx, canonical.Clone())
	sy.OnIncomingMessage(ctx, canonical.Clone())

	msgs, err := sy.LoadMessages(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "double apply must not duplicate")
	require.Equal(t, "srv-1", msgs[0].ID)
}

func TestIncomingForeignMessageIsPlainUpsert(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	incoming := testMessage("srv-7", "c1", "bob", 4)
	incoming.Status = StatusSent
	sy.OnIncomingMessage(ctx, incoming)

	got, err := store.GetMessage(ctx, "srv-7")
	require.NoError(t, err)
	require.NotNil(t, got)

	convs, err := store.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "srv-7", convs[0].LastMessageID)
}

func TestBufferedAckRoutesThroughReconciliation(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	msg, err := sy.SendMessage(ctx, "c1", "hi", "alice")
	require.NoError(t, err)

	ev, ok := DecodeTransportEvent([]byte(`{
		"type": "buffered",
		"buffered": {"tempId": "` + msg.TempID + `", "messageId": "srv-55", "sequenceNumber": 9}
	}`))
	require.True(t, ok)
	sy.HandleTransportEvent(ctx, ev)

	got, err := store.GetMessage(ctx, "srv-55")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusSent, got.Status)
	require.Equal(t, int64(9), got.SequenceNumber)

	gone, err := store.GetMessageByTempID(ctx, msg.TempID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestJoinedEventCarriesConversationID(t *testing.T) {
	// The join ack arrives under the "joined" key, matching the server
	// frame; the payload must survive decoding.
	ev, ok := DecodeTransportEvent([]byte(`{
		"type": "joinedConversation",
		"joined": {"conversationId": "c7"}
	}`))
	require.True(t, ok)
	require.Equal(t, TransportJoined, ev.Type)
	require.NotNil(t, ev.Joined)
	require.Equal(t, "c7", ev.Joined.ConversationID)
}

func TestStatusUpdateConfirmedClearsRequest(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	var updates []Event
	sy.Subscribe(EventStatusUpdated, func(ev Event) { updates = append(updates, ev) })

	msg, err := sy.SendMessage(ctx, "c1", "hi", "alice")
	require.NoError(t, err)

	// A delivered receipt can arrive keyed by temp id when the server
	// confirmed before reconciliation reached this tab.
	sy.OnStatusUpdate(ctx, msg.TempID, StatusDelivered)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, got.Status)

	req, err := store.GetSendRequestByMessageID(ctx, msg.ID)
	require.NoError(t, err)
	require.Nil(t, req)

	require.Len(t, updates, 1)

	// Unknown ids are dropped quietly.
	sy.OnStatusUpdate(ctx, "never-seen", StatusRead)
	require.Len(t, updates, 1)
}

func TestCrossTabEchoSuppression(t *testing.T) {
	ctx := context.Background()
	hub := NewTabHub()

	syA, _ := newTestSyncer(t, NewMemBroadcaster(hub))
	syB, storeB := newTestSyncer(t, NewMemBroadcaster(hub))

	var aEvents, bEvents int
	syA.Subscribe(EventMessageReceived, func(Event) { aEvents++ })
	syB.Subscribe(EventMessageReceived, func(Event) { bEvents++ })

	incoming := testMessage("srv-21", "c1", "bob", 1)
	incoming.Status = StatusSent
	syA.OnIncomingMessage(ctx, incoming)

	// Tab B stored the message it heard about without having seen the
	// transport event itself.
	got, err := storeB.GetMessage(ctx, "srv-21")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Equal(t, 1, aEvents, "origin tab emits locally exactly once")
	require.Equal(t, 1, bEvents, "sibling tab emits the relayed event once")
}

func TestTabEventsAreNotRebroadcast(t *testing.T) {
	ctx := context.Background()
	hub := NewTabHub()

	syA, _ := newTestSyncer(t, NewMemBroadcaster(hub))
	_, storeB := newTestSyncer(t, NewMemBroadcaster(hub))
	_, storeC := newTestSyncer(t, NewMemBroadcaster(hub))

	incoming := testMessage("srv-33", "c1", "bob", 1)
	incoming.Status = StatusSent
	syA.OnIncomingMessage(ctx, incoming)

	// Every sibling applied it exactly once; the relay fans out from
	// the origin only, it does not ping-pong between tabs.
	for _, st := range []Store{storeB, storeC} {
		got, err := st.GetMessage(ctx, "srv-33")
		require.NoError(t, err)
		require.NotNil(t, got)
	}
}

func TestLoadMessagesLocalFirst(t *testing.T) {
	ctx := context.Background()
	sy, store := newTestSyncer(t, nil)

	for i := 1; i <= 3; i++ {
		m := testMessage("m"+string(rune('0'+i)), "c1", "bob", int64(i))
		m.Status = StatusSent
		m.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, store.UpsertMessage(ctx, m))
	}

	msgs, err := sy.LoadMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "m3", msgs[1].ID, "newest last")
}

type stubFetcher struct {
	msgs  []*Message
	convs []*Conversation
}

func (f *stubFetcher) FetchConversations(context.Context) ([]*Conversation, error) {
	return f.convs, nil
}

func (f *stubFetcher) FetchMessages(context.Context, string, int, string) ([]*Message, error) {
	return f.msgs, nil
}

func TestLoadMessagesFallsBackToFetcher(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	sched := NewSendScheduler(store, SchedulerConf{})

	remote := testMessage("srv-90", "c1", "bob", 1)
	remote.Status = StatusSent
	sy := NewSyncer(SyncerConf{
		Store:     store,
		Scheduler: sched,
		Fetcher:   &stubFetcher{msgs: []*Message{remote}},
	})

	msgs, err := sy.LoadMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "srv-90", msgs[0].ID)

	// Now cached locally.
	cached, err := store.GetMessage(ctx, "srv-90")
	require.NoError(t, err)
	require.NotNil(t, cached)
}
