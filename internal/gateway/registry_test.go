package gateway_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/chat-delivery/internal/gateway"
)

func newBareConn(id string) *gateway.Conn {
	return gateway.NewConn(id, newFakeTransport(), 0, discardLogger())
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := gateway.NewRegistry()
	c := newBareConn("c1")

	replaced := r.Register(42, c)
	assert.Nil(t, replaced)

	got, ok := r.Lookup(42)
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Lookup(7)
	assert.False(t, ok)
}

func TestRegistryRegisterReturnsReplaced(t *testing.T) {
	r := gateway.NewRegistry()
	first := newBareConn("c1")
	second := newBareConn("c2")

	require.Nil(t, r.Register(42, first))
	replaced := r.Register(42, second)
	assert.Same(t, first, replaced)

	got, _ := r.Lookup(42)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryUnregister(t *testing.T) {
	r := gateway.NewRegistry()
	r.Register(42, newBareConn("c1"))

	r.Unregister(42)
	_, ok := r.Lookup(42)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())

	r.Unregister(42) // absent is a no-op
}

func TestRegistrySnapshotIsACopy(t *testing.T) {
	r := gateway.NewRegistry()
	r.Register(1, newBareConn("c1"))
	r.Register(2, newBareConn("c2"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	r.Unregister(1)
	assert.Len(t, snap, 2, "snapshot unaffected by later mutation")
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := gateway.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			c := newBareConn(fmt.Sprintf("c%d", n))
			r.Register(n%10, c)
			r.Lookup(n % 10)
			r.Snapshot()
			r.UnregisterConn(c)
		}(int64(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Len(), 10)
}
