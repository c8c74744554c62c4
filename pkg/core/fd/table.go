package fd

import (
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
	"go.uber.org/zap"

	uerr "github.com/RustWorks/mirrord/utils"
)

// Allocator reserves and releases descriptor numbers. The production
// allocator claims a real OS descriptor so managed descriptors share the
// host program's numbering space and remain valid arguments to the
// program's own select/poll/close calls.
type Allocator interface {
	Alloc() (int, error)
	Release(fd int) error
}

// Table is the process-wide descriptor state table. Membership is guarded
// by a read-write mutex; per-descriptor state lives behind each record's
// own mutex, so operations on different descriptors never serialize.
type Table struct {
	logger *zap.Logger
	alloc  Allocator

	mu      sync.RWMutex
	records map[int]*Record
	// ordered index over the same records, used by the teardown sweep and
	// diagnostics snapshots
	index *redblacktree.Tree
}

// NewTable builds an empty table. A nil allocator falls back to the OS
// placeholder allocator.
func NewTable(logger *zap.Logger, alloc Allocator) *Table {
	if alloc == nil {
		alloc = &osAllocator{}
	}
	return &Table{
		logger:  logger,
		alloc:   alloc,
		records: make(map[int]*Record),
		index:   redblacktree.NewWith(utils.IntComparator),
	}
}

// Create reserves a descriptor number and registers a record for it in
// Unbound state.
func (t *Table) Create(origin Origin, meta Meta) (*Record, error) {
	n, err := t.alloc.Alloc()
	if err != nil {
		return nil, err
	}

	rec := &Record{
		FD:     n,
		Origin: origin,
		Meta:   meta,
		state:  Unbound,
	}

	t.mu.Lock()
	t.records[n] = rec
	t.index.Put(n, rec)
	t.mu.Unlock()

	t.logger.Debug("registered managed descriptor",
		zap.Int("fd", n),
		zap.String("origin", origin.String()))
	return rec, nil
}

// Adopt registers a record for a descriptor number the layer already owns,
// e.g. one handed back by accept on a managed listener.
func (t *Table) Adopt(fdNum int, origin Origin, meta Meta) *Record {
	rec := &Record{
		FD:     fdNum,
		Origin: origin,
		Meta:   meta,
		state:  Unbound,
	}
	t.mu.Lock()
	t.records[fdNum] = rec
	t.index.Put(fdNum, rec)
	t.mu.Unlock()
	return rec
}

// Lookup returns the record for fd, or false when the layer does not manage
// it and the caller must pass through.
func (t *Table) Lookup(fd int) (*Record, bool) {
	t.mu.RLock()
	rec, ok := t.records[fd]
	t.mu.RUnlock()
	return rec, ok
}

// Transition applies ev to the record for fd.
func (t *Table) Transition(fd int, ev Event) (State, error) {
	rec, ok := t.Lookup(fd)
	if !ok {
		return Closed, uerr.ErrNotManaged
	}
	return rec.Transition(ev)
}

// Remove closes out the record and releases its descriptor number. Safe to
// call for descriptors the table does not manage.
func (t *Table) Remove(fd int) {
	t.mu.Lock()
	rec, ok := t.records[fd]
	delete(t.records, fd)
	t.index.Remove(fd)
	t.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	rec.state = Closed
	rec.mu.Unlock()

	if err := t.alloc.Release(fd); err != nil {
		t.logger.Debug("failed to release descriptor placeholder",
			zap.Int("fd", fd), zap.Error(err))
	}
}

// Len reports the number of managed descriptors.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Sweep visits every managed record in ascending descriptor order. Used at
// teardown to abandon remote state without blocking process exit.
func (t *Table) Sweep(visit func(*Record)) {
	t.mu.RLock()
	recs := make([]*Record, 0, t.index.Size())
	it := t.index.Iterator()
	for it.Next() {
		recs = append(recs, it.Value().(*Record))
	}
	t.mu.RUnlock()

	for _, rec := range recs {
		visit(rec)
	}
}
