//go:build !linux

package fd

import "sync/atomic"

// Platforms without injection support get a synthetic numbering space that
// starts well above anything the host program will allocate. Only used by
// tests and tooling builds; injection itself is linux-only.
type osAllocator struct {
	next atomic.Int64
}

func (a *osAllocator) Alloc() (int, error) {
	n := a.next.Add(1)
	return int(n) + 1<<20, nil
}

func (a *osAllocator) Release(int) error { return nil }
