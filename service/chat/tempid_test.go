package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTempIDResolveWithinTTL(t *testing.T) {
	clock := newStubClock()
	tbl := NewTempIDTable(30*time.Second, clock.Now)

	tbl.Remember("tmp-1", "srv-1", "c1")

	got, ok := tbl.Resolve("srv-1", "c1")
	require.True(t, ok)
	require.Equal(t, "tmp-1", got)

	// Same message id in another conversation does not match.
	_, ok = tbl.Resolve("srv-1", "c2")
	require.False(t, ok)
}

func TestTempIDExpiresAfterTTL(t *testing.T) {
	clock := newStubClock()
	tbl := NewTempIDTable(30*time.Second, clock.Now)

	tbl.Remember("tmp-1", "srv-1", "c1")

	clock.Advance(29 * time.Second)
	_, ok := tbl.Resolve("srv-1", "c1")
	require.True(t, ok, "still inside the window")

	clock.Advance(2 * time.Second)
	_, ok = tbl.Resolve("srv-1", "c1")
	require.False(t, ok, "expired entries never attribute")
}

func TestTempIDLazySweep(t *testing.T) {
	clock := newStubClock()
	tbl := NewTempIDTable(30*time.Second, clock.Now)

	tbl.Remember("tmp-1", "srv-1", "c1")
	tbl.Remember("tmp-2", "srv-2", "c1")
	require.Equal(t, 2, tbl.Len())

	clock.Advance(time.Minute)
	// The next insert sweeps the dead entries.
	tbl.Remember("tmp-3", "srv-3", "c1")
	require.Equal(t, 1, tbl.Len())
}

func TestTempIDForget(t *testing.T) {
	tbl := NewTempIDTable(0, nil)

	tbl.Remember("tmp-1", "srv-1", "c1")
	tbl.Forget("tmp-1")

	_, ok := tbl.Resolve("srv-1", "c1")
	require.False(t, ok)
	require.Zero(t, tbl.Len())

	// Forgetting twice is harmless.
	tbl.Forget("tmp-1")
}

func TestTempIDIgnoresEmptyKeys(t *testing.T) {
	tbl := NewTempIDTable(0, nil)
	tbl.Remember("", "srv-1", "c1")
	tbl.Remember("tmp-1", "", "c1")
	require.Zero(t, tbl.Len())
}
