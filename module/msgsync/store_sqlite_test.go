package msgsync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	return s
}

func TestSQLiteMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	m := testMessage("tmp-1", "c1", "alice", 1)
	m.TempID = "tmp-1"
	require.NoError(t, s.UpsertMessage(ctx, m))

	got, err := s.GetMessageByTempID(ctx, "tmp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, m.Content, got.Content)
	require.Equal(t, StatusSending, got.Status)

	// Upsert with the same id overwrites, it never duplicates.
	m.Content = "edited"
	require.NoError(t, s.UpsertMessage(ctx, m))
	msgs, err := s.ListMessages(ctx, "c1", 0, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "edited", msgs[0].Content)
}

func TestSQLiteReplaceMessageIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	optimistic := testMessage("tmp-2", "c1", "alice", 2)
	optimistic.TempID = "tmp-2"
	require.NoError(t, s.UpsertMessage(ctx, optimistic))

	canonical := testMessage("srv-2", "c1", "alice", 2)
	canonical.Status = StatusSent
	require.NoError(t, s.ReplaceMessage(ctx, "tmp-2", canonical))

	old, err := s.GetMessage(ctx, "tmp-2")
	require.NoError(t, err)
	require.Nil(t, old)

	got, err := s.GetMessage(ctx, "srv-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusSent, got.Status)
}

func TestSQLiteNextSequenceConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	const n = 50
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

func TestSQLiteSendRequestUniquePerMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	r := &SendRequest{ID: "r1", MessageID: "m1", Status: RequestPending, CreatedAt: time.Now()}
	require.NoError(t, s.UpsertSendRequest(ctx, r))

	r.Status = RequestInFlight
	require.NoError(t, s.UpsertSendRequest(ctx, r))

	got, err := s.GetSendRequestByMessageID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, RequestInFlight, got.Status)

	require.NoError(t, s.DeleteSendRequestByMessageID(ctx, "m1"))
	gone, err := s.GetSendRequest(ctx, "r1")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestSQLitePagination(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	base := time.Now().Truncate(time.Second)
	ids := []string{"m01", "m02", "m03", "m04", "m05", "m06"}
	for i, id := range ids {
		m := testMessage(id, "c1", "alice", int64(i+1))
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.UpsertMessage(ctx, m))
	}

	page, err := s.ListMessages(ctx, "c1", 3, "")
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, "m04", page[0].ID)
	require.Equal(t, "m06", page[2].ID)

	older, err := s.ListMessages(ctx, "c1", 3, "m04")
	require.NoError(t, err)
	require.Len(t, older, 3)
	require.Equal(t, "m01", older[0].ID)
	require.Equal(t, "m03", older[2].ID)
}
