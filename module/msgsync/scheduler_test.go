package msgsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "MChat/tools/errs"
)

// fakeClock is a hand-advanced clock for backoff windows.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, clock *fakeClock) (*SendScheduler, Store) {
	t.Helper()
	store := NewMemStore()
	sched := NewSendScheduler(store, SchedulerConf{
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       time.Second,
		MaxRetries:     5,
		MessageTimeout: 50 * time.Millisecond,
		Clock:          clock.Now,
	})
	return sched, store
}

func enqueueMessage(t *testing.T, store Store, sched *SendScheduler, id string) *Message {
	t.Helper()
	ctx := context.Background()
	m := testMessage(id, "c1", "alice", 1)
	m.TempID = id
	require.NoError(t, store.UpsertMessage(ctx, m))
	_, err := sched.Enqueue(ctx, id)
	require.NoError(t, err)
	return m
}

func TestSchedulerBackoffTable(t *testing.T) {
	sched, _ := newTestScheduler(t, newFakeClock())

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
		{-1, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, sched.delay(tc.n), "delay(%d)", tc.n)
	}
}

func TestSchedulerSuccessAppliesCanonicalAndDeletesRequest(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	var applied *Message
	sched.SetApply(func(_ context.Context, m *Message) error {
		applied = m
		return nil
	})
	sched.SetSender(func(_ context.Context, m *Message) (*Message, error) {
		canonical := m.Clone()
		canonical.ID = "srv-1"
		canonical.Status = StatusSent
		return canonical, nil
	})

	enqueueMessage(t, store, sched, "tmp-1")
	sched.processQueue(ctx)

	require.NotNil(t, applied)
	require.Equal(t, "srv-1", applied.ID)

	reqs, err := store.ListSendRequestsByStatus(ctx, RequestPending, RequestInFlight, RequestFailed)
	require.NoError(t, err)
	require.Empty(t, reqs, "confirmed request must be removed")
}

func TestSchedulerRetriesUntilExhaustion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	attempts := 0
	sched.SetSender(func(_ context.Context, _ *Message) (*Message, error) {
		attempts++
		return nil, errs.ErrTransient.WrapMsg("network down")
	})

	var failedID string
	var failures int
	sched.OnFailure(func(messageID string, err error) {
		failedID = messageID
		failures++
	})

	enqueueMessage(t, store, sched, "tmp-2")

	// First attempt plus four retries; advance past every backoff window.
	for i := 0; i < 5; i++ {
		sched.processQueue(ctx)
		clock.Advance(2 * time.Second)
	}
	// Extra passes must not attempt a terminally failed request.
	sched.processQueue(ctx)
	sched.processQueue(ctx)

	require.Equal(t, 5, attempts, "exactly MaxRetries attempts")
	require.Equal(t, 1, failures, "terminal failure fires once")
	require.Equal(t, "tmp-2", failedID)

	msg, err := store.GetMessage(ctx, "tmp-2")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, msg.Status)

	st, err := sched.GetQueueStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Failed)
	require.Equal(t, int64(5), st.TotalRetries)
}

func TestSchedulerBackoffGatesRetries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	attempts := 0
	sched.SetSender(func(_ context.Context, _ *Message) (*Message, error) {
		attempts++
		return nil, errs.ErrTransient.WrapMsg("still down")
	})

	enqueueMessage(t, store, sched, "tmp-3")
	sched.processQueue(ctx)
	require.Equal(t, 1, attempts)

	// Inside the 100ms window: not eligible yet.
	clock.Advance(50 * time.Millisecond)
	sched.processQueue(ctx)
	require.Equal(t, 1, attempts)

	clock.Advance(60 * time.Millisecond)
	sched.processQueue(ctx)
	require.Equal(t, 2, attempts)

	// Second retry waits 200ms.
	clock.Advance(150 * time.Millisecond)
	sched.processQueue(ctx)
	require.Equal(t, 2, attempts)

	clock.Advance(60 * time.Millisecond)
	sched.processQueue(ctx)
	require.Equal(t, 3, attempts)
}

func TestSchedulerPermanentErrorSkipsRemainingRetries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	attempts := 0
	sched.SetSender(func(_ context.Context, _ *Message) (*Message, error) {
		attempts++
		return nil, errs.ErrPermanent.WrapMsg("author not in conversation")
	})
	var failures int
	sched.OnFailure(func(string, error) { failures++ })

	enqueueMessage(t, store, sched, "tmp-4")
	sched.processQueue(ctx)
	clock.Advance(time.Hour)
	sched.processQueue(ctx)

	require.Equal(t, 1, attempts, "permanent errors do not retry")
	require.Equal(t, 1, failures)

	msg, err := store.GetMessage(ctx, "tmp-4")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, msg.Status)
}

func TestSchedulerTimeoutFailsTransiently(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	release := make(chan struct{})
	sched.SetSender(func(_ context.Context, m *Message) (*Message, error) {
		<-release
		return m, nil
	})

	enqueueMessage(t, store, sched, "tmp-5")
	sched.processQueue(ctx) // blocks at most MessageTimeout
	close(release)

	req, err := store.GetSendRequestByMessageID(ctx, "tmp-5")
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, RequestFailed, req.Status)
	require.Equal(t, 1, req.RetryCount)
	require.Contains(t, req.ErrorMessage, "timed out")
}

func TestSchedulerNoSenderFailsDescriptively(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	enqueueMessage(t, store, sched, "tmp-6")
	sched.processQueue(ctx)

	req, err := store.GetSendRequestByMessageID(ctx, "tmp-6")
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, RequestFailed, req.Status)
	require.Contains(t, req.ErrorMessage, "no sender installed")
}

func TestSchedulerDropsOrphanRequests(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)
	sched.SetSender(func(_ context.Context, m *Message) (*Message, error) { return m, nil })

	_, err := sched.Enqueue(ctx, "ghost")
	require.NoError(t, err)
	sched.processQueue(ctx)

	reqs, err := store.ListSendRequestsByStatus(ctx, RequestPending, RequestInFlight, RequestFailed)
	require.NoError(t, err)
	require.Empty(t, reqs)
}

func TestSchedulerRecoversStrandedInFlightRequests(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	// A crash between marking in_flight and the send resolving leaves
	// the persisted record parked; once the timeout window has passed
	// the scheduler must pick it back up.
	m := testMessage("tmp-9", "c1", "alice", 1)
	m.TempID = "tmp-9"
	require.NoError(t, store.UpsertMessage(ctx, m))
	require.NoError(t, store.UpsertSendRequest(ctx, &SendRequest{
		ID:         "req-9",
		MessageID:  "tmp-9",
		Status:     RequestInFlight,
		CreatedAt:  clock.Now().Add(-time.Hour),
		LastSentAt: clock.Now().Add(-time.Hour),
	}))

	sent := 0
	sched.SetSender(func(_ context.Context, msg *Message) (*Message, error) {
		sent++
		canonical := msg.Clone()
		canonical.ID = "srv-9"
		canonical.Status = StatusSent
		return canonical, nil
	})

	sched.processQueue(ctx)
	require.Equal(t, 1, sent, "stale in_flight request must be re-sent")

	reqs, err := store.ListSendRequestsByStatus(ctx, RequestPending, RequestInFlight, RequestFailed)
	require.NoError(t, err)
	require.Empty(t, reqs)
}

func TestSchedulerLeavesFreshInFlightAlone(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)

	m := testMessage("tmp-10", "c1", "alice", 1)
	require.NoError(t, store.UpsertMessage(ctx, m))
	require.NoError(t, store.UpsertSendRequest(ctx, &SendRequest{
		ID:         "req-10",
		MessageID:  "tmp-10",
		Status:     RequestInFlight,
		CreatedAt:  clock.Now(),
		LastSentAt: clock.Now(),
	}))

	sent := 0
	sched.SetSender(func(_ context.Context, msg *Message) (*Message, error) {
		sent++
		return msg, nil
	})

	sched.processQueue(ctx)
	require.Zero(t, sent, "a send still within its timeout window is not duplicated")

	reqs, err := store.ListSendRequestsByStatus(ctx, RequestInFlight)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
}

func TestSchedulerCleanupSweepsExpiredFailures(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := NewMemStore()
	sched := NewSendScheduler(store, SchedulerConf{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		MaxRetries:  1,
		FailedGrace: time.Hour,
		Clock:       clock.Now,
	})
	sched.SetSender(func(_ context.Context, _ *Message) (*Message, error) {
		return nil, errs.ErrTransient.WrapMsg("down")
	})

	enqueueMessage(t, store, sched, "tmp-7")
	sched.processQueue(ctx) // single retry budget, immediately terminal

	sched.cleanup(ctx)
	reqs, err := store.ListSendRequestsByStatus(ctx, RequestFailed)
	require.NoError(t, err)
	require.Len(t, reqs, 1, "inside grace window")

	clock.Advance(2 * time.Hour)
	sched.cleanup(ctx)

	reqs, err = store.ListSendRequestsByStatus(ctx, RequestFailed)
	require.NoError(t, err)
	require.Empty(t, reqs)

	msg, err := store.GetMessage(ctx, "tmp-7")
	require.NoError(t, err)
	require.Nil(t, msg, "failed message swept with its request")
}

func TestSchedulerClearFailedRequests(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	sched, store := newTestScheduler(t, clock)
	sched.SetSender(func(_ context.Context, _ *Message) (*Message, error) {
		return nil, errs.ErrPermanent.WrapMsg("rejected")
	})

	enqueueMessage(t, store, sched, "tmp-8")
	enqueueMessage(t, store, sched, "tmp-9")
	sched.processQueue(ctx)

	n, err := sched.ClearFailedRequests(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	st, err := sched.GetQueueStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Failed)
}
