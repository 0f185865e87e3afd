package msgsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMessage(id, conv, author string, seq int64) *Message {
	now := time.Now()
	return &Message{
		ID:             id,
		ConversationID: conv,
		AuthorID:       author,
		Content:        "hello " + id,
		Status:         StatusSending,
		SequenceNumber: seq,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestMemStoreUpsertAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	m := testMessage("tmp-1", "c1", "alice", 1)
	m.TempID = "tmp-1"
	require.NoError(t, s.UpsertMessage(ctx, m))

	got, err := s.GetMessage(ctx, "tmp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "hello tmp-1", got.Content)

	byTemp, err := s.GetMessageByTempID(ctx, "tmp-1")
	require.NoError(t, err)
	require.NotNil(t, byTemp)
	require.Equal(t, got.ID, byTemp.ID)

	missing, err := s.GetMessage(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMemStoreReplaceMessage(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	optimistic := testMessage("tmp-9", "c1", "alice", 3)
	optimistic.TempID = "tmp-9"
	require.NoError(t, s.UpsertMessage(ctx, optimistic))

	canonical := testMessage("srv-9", "c1", "alice", 3)
	canonical.Status = StatusSent
	require.NoError(t, s.ReplaceMessage(ctx, "tmp-9", canonical))

	old, err := s.GetMessage(ctx, "tmp-9")
	require.NoError(t, err)
	require.Nil(t, old, "optimistic record must be gone")

	oldTemp, err := s.GetMessageByTempID(ctx, "tmp-9")
	require.NoError(t, err)
	require.Nil(t, oldTemp, "temp index must be cleared")

	got, err := s.GetMessage(ctx, "srv-9")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusSent, got.Status)
}

func TestMemStoreSendRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	r := &SendRequest{ID: "r1", MessageID: "m1", Status: RequestPending, CreatedAt: time.Now()}
	require.NoError(t, s.UpsertSendRequest(ctx, r))

	byMsg, err := s.GetSendRequestByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, byMsg)
	require.Equal(t, "r1", byMsg.ID)

	r.Status = RequestFailed
	r.RetryCount = 2
	require.NoError(t, s.UpsertSendRequest(ctx, r))

	failed, err := s.ListSendRequestsByStatus(ctx, RequestFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 2, failed[0].RetryCount)

	require.NoError(t, s.DeleteSendRequestByMessageID(ctx, "m1"))
	gone, err := s.GetSendRequest(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, gone)

	// Deleting what is already gone stays quiet.
	require.NoError(t, s.DeleteSendRequestByMessageID(ctx, "m1"))
}

func TestMemStoreNextSequenceStartsAtOneAndIsolatesKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	n, err := s.NextSequence(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.NextSequence(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// A different author in the same conversation counts from 1.
	n, err = s.NextSequence(ctx, "c1", "bob")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Same author in another conversation counts from 1.
	n, err = s.NextSequence(ctx, "c2", "alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestMemStoreNextSequenceConcurrentNoGapsNoDupes(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	const n = 200
	results := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSequence(ctx, "c1", "alice")
			if err != nil {
				t.Errorf("NextSequence: %v", err)
				return
			}
			results <- seq
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for seq := range results {
		require.False(t, seen[seq], "duplicate sequence %d", seq)
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "gap at %d", i)
	}
}

func TestMemStoreListMessagesPagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	base := time.Now()
	for i := 1; i <= 10; i++ {
		m := testMessage(fmt.Sprintf("m%02d", i), "c1", "alice", int64(i))
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpsertMessage(ctx, m))
	}

	page, err := s.ListMessages(ctx, "c1", 4, "")
	require.NoError(t, err)
	require.Len(t, page, 4)
	require.Equal(t, "m10", page[len(page)-1].ID, "newest message last")

	older, err := s.ListMessages(ctx, "c1", 4, page[0].ID)
	require.NoError(t, err)
	require.Len(t, older, 4)
	for _, m := range older {
		require.Less(t, m.ID, page[0].ID)
	}
}

func TestMemStoreConversations(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "c1", UpdatedAt: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.UpsertConversation(ctx, &Conversation{ID: "c2", UpdatedAt: time.Now()}))

	convs, err := s.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "c2", convs[0].ID, "most recently updated first")
}
