package fd

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAllocator hands out predictable descriptor numbers without touching
// the OS.
type fakeAllocator struct {
	next     atomic.Int64
	mu       sync.Mutex
	released []int
}

func (a *fakeAllocator) Alloc() (int, error) {
	return int(a.next.Add(1)) + 100, nil
}

func (a *fakeAllocator) Release(fd int) error {
	a.mu.Lock()
	a.released = append(a.released, fd)
	a.mu.Unlock()
	return nil
}

func newTestTable() (*Table, *fakeAllocator) {
	alloc := &fakeAllocator{}
	return NewTable(zap.NewNop(), alloc), alloc
}

func TestCreateAssignsDistinctDescriptors(t *testing.T) {
	table, _ := newTestTable()

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		rec, err := table.Create(Remote, Meta{Kind: Socket})
		require.NoError(t, err)
		assert.False(t, seen[rec.FD], "descriptor %d handed out twice", rec.FD)
		seen[rec.FD] = true
	}
	assert.Equal(t, 20, table.Len())
}

func TestLookupMissesUnmanagedDescriptors(t *testing.T) {
	table, _ := newTestTable()
	_, ok := table.Lookup(3)
	assert.False(t, ok)

	rec, err := table.Create(Remote, Meta{Kind: File, Path: "/app/config.yaml"})
	require.NoError(t, err)

	got, ok := table.Lookup(rec.FD)
	require.True(t, ok)
	assert.Same(t, rec, got)
	assert.Equal(t, "/app/config.yaml", got.Meta.Path)
}

func TestRemoveReleasesTheDescriptorNumber(t *testing.T) {
	table, alloc := newTestTable()
	rec, err := table.Create(Remote, Meta{Kind: Socket})
	require.NoError(t, err)

	table.Remove(rec.FD)
	_, ok := table.Lookup(rec.FD)
	assert.False(t, ok)
	assert.Equal(t, Closed, rec.State())
	assert.Equal(t, []int{rec.FD}, alloc.released)

	// Removing a descriptor the table never managed is a no-op.
	table.Remove(9999)
	assert.Equal(t, []int{rec.FD}, alloc.released)
}

func TestAdoptRegistersExistingDescriptor(t *testing.T) {
	table, _ := newTestTable()
	rec := table.Adopt(55, Remote, Meta{Kind: Socket})
	assert.Equal(t, 55, rec.FD)

	got, ok := table.Lookup(55)
	require.True(t, ok)
	assert.Same(t, rec, got)
}

func TestSweepVisitsInAscendingOrder(t *testing.T) {
	table, _ := newTestTable()
	for _, n := range []int{70, 12, 41, 5, 63} {
		table.Adopt(n, Remote, Meta{Kind: Socket})
	}

	var visited []int
	table.Sweep(func(rec *Record) {
		visited = append(visited, rec.FD)
	})
	assert.Equal(t, []int{5, 12, 41, 63, 70}, visited)
}

func TestDescriptorsStayIndependentUnderConcurrency(t *testing.T) {
	table, _ := newTestTable()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := table.Create(Remote, Meta{Kind: Socket})
			if !assert.NoError(t, err) {
				return
			}
			// Each goroutine walks its own descriptor's full lifecycle;
			// a cross-descriptor ordering or locking bug shows up as an
			// invalid transition here.
			for _, ev := range []Event{EvBind, EvConnect} {
				_, err := rec.Transition(ev)
				assert.NoError(t, err)
			}
			rec.PushData([]byte("x"))
			data, _ := rec.PopData(0)
			assert.Equal(t, []byte("x"), data)
			table.Remove(rec.FD)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, table.Len())
}
