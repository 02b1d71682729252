package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(WithClock(clk.Now), WithSnapshotTTL(5*time.Second)), clk
}

func TestRegistry_SetAndTryGet(t *testing.T) {
	r, _ := newTestRegistry()
	node := uuid.New()

	_, ok := r.TryGet(node)
	assert.False(t, ok)

	r.Set(node, "conn-1")
	conn, ok := r.TryGet(node)
	require.True(t, ok)
	assert.Equal(t, "conn-1", conn)
	assert.True(t, r.HasConnections())
}

func TestRegistry_SetSupersedesPreviousBinding(t *testing.T) {
	r, _ := newTestRegistry()
	node := uuid.New()

	r.Set(node, "conn-old")
	r.Set(node, "conn-new")

	conn, ok := r.TryGet(node)
	require.True(t, ok)
	assert.Equal(t, "conn-new", conn)

	// The stale connection disconnecting must not unbind the new one.
	_, removed := r.TryRemoveByConnectionId("conn-old")
	assert.False(t, removed)
	conn, ok = r.TryGet(node)
	require.True(t, ok)
	assert.Equal(t, "conn-new", conn)
}

func TestRegistry_TryRemoveByConnectionId(t *testing.T) {
	r, _ := newTestRegistry()
	node := uuid.New()
	r.Set(node, "conn-1")

	got, ok := r.TryRemoveByConnectionId("conn-1")
	require.True(t, ok)
	assert.Equal(t, node, got)

	_, ok = r.TryGet(node)
	assert.False(t, ok)
	assert.False(t, r.HasConnections())

	_, ok = r.TryRemoveByConnectionId("conn-1")
	assert.False(t, ok)
}

func TestRegistry_Resolve(t *testing.T) {
	r, _ := newTestRegistry()
	_, err := r.Resolve(uuid.New())
	assert.ErrorIs(t, err, ErrNodeNotConnected)
}

func TestRegistry_SnapshotIdentityWithoutMutation(t *testing.T) {
	r, clk := newTestRegistry()
	r.Set(uuid.New(), "a")
	r.Set(uuid.New(), "b")

	first := r.GetConnectedNodeIdsSnapshot()
	clk.Advance(time.Second)
	second := r.GetConnectedNodeIdsSnapshot()

	require.Len(t, first, 2)
	assert.Same(t, &first[0], &second[0], "unmutated snapshot within TTL must be the same array")
}

func TestRegistry_SnapshotRebuiltAfterMutation(t *testing.T) {
	r, _ := newTestRegistry()
	n1, n2 := uuid.New(), uuid.New()
	r.Set(n1, "a")

	first := r.GetConnectedNodeIdsSnapshot()
	r.Set(n2, "b")
	second := r.GetConnectedNodeIdsSnapshot()

	require.Len(t, first, 1)
	require.Len(t, second, 2)
	assert.NotSame(t, &first[0], &second[0])
	assert.ElementsMatch(t, []uuid.UUID{n1, n2}, second)

	_, ok := r.TryRemoveByConnectionId("a")
	require.True(t, ok)
	third := r.GetConnectedNodeIdsSnapshot()
	assert.Equal(t, []uuid.UUID{n2}, third)

	r.Clear()
	assert.Empty(t, r.GetConnectedNodeIdsSnapshot())
}

func TestRegistry_FailedRemoveKeepsCache(t *testing.T) {
	r, _ := newTestRegistry()
	r.Set(uuid.New(), "a")

	first := r.GetConnectedNodeIdsSnapshot()
	_, ok := r.TryRemoveByConnectionId("unknown")
	require.False(t, ok)
	second := r.GetConnectedNodeIdsSnapshot()
	assert.Same(t, &first[0], &second[0])
}

func TestRegistry_SnapshotExpiresAfterTTL(t *testing.T) {
	r, clk := newTestRegistry()
	r.Set(uuid.New(), "a")

	first := r.GetConnectedNodeIdsSnapshot()
	clk.Advance(6 * time.Second)
	second := r.GetConnectedNodeIdsSnapshot()
	assert.NotSame(t, &first[0], &second[0])
	assert.Equal(t, first, second)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	r := New(WithSnapshotTTL(time.Millisecond))
	const workers = 16
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				node := uuid.New()
				conn := fmt.Sprintf("conn-%d-%d", w, i)
				r.Set(node, conn)
				if got, ok := r.TryGet(node); !ok || got != conn {
					t.Errorf("TryGet after Set: got %q, %v", got, ok)
				}
				_ = r.GetConnectedNodeIdsSnapshot()
				if i%2 == 0 {
					if got, ok := r.TryRemoveByConnectionId(conn); !ok || got != node {
						t.Errorf("remove %s: got %v, %v", conn, got, ok)
					}
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker/2, r.Len())
	time.Sleep(2 * time.Millisecond)
	assert.Len(t, r.GetConnectedNodeIdsSnapshot(), workers*perWorker/2)
}
