// Package fd is the single source of truth for which descriptors the layer
// manages and what state each one is in. Descriptors the table never
// created are not its business; lookups for them miss and the caller passes
// the operation through to the real OS implementation.
package fd

import (
	"sync"

	"github.com/RustWorks/mirrord/utils"
)

// Origin says which side fulfills operations on the descriptor.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// Kind separates sockets from redirected files. Both live in the same
// numbering space so select/poll/close in the host program work unmodified.
type Kind int

const (
	Socket Kind = iota
	File
)

// State is the lifecycle position of a descriptor. Transitions are
// monotone; Closed is terminal and removes the record from the table.
type State int

const (
	Unbound State = iota
	Bound
	Listening
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Event drives the state machine.
type Event int

const (
	EvBind Event = iota
	EvListen
	EvConnect
	EvClose
)

func (e Event) String() string {
	switch e {
	case EvBind:
		return "bind"
	case EvListen:
		return "listen"
	case EvConnect:
		return "connect"
	case EvClose:
		return "close"
	}
	return "unknown"
}

// Meta is the socket/file metadata captured at creation time.
type Meta struct {
	Kind   Kind
	Domain int // unix.AF_* for sockets
	Type   int // unix.SOCK_* for sockets
	Path   string
}

// Record describes one managed descriptor. All mutation goes through its
// methods; the embedded mutex serializes operations on this descriptor
// without blocking operations on any other.
type Record struct {
	FD     int
	Origin Origin
	Meta   Meta

	// ioMu serializes I/O operations on this descriptor. Held across the
	// remote round trip, so two threads reading the same descriptor take
	// turns while descriptors stay independent of each other.
	ioMu sync.Mutex

	mu          sync.Mutex
	state       State
	boundAddr   string
	peerAddr    string
	connID      uint64 // proxy-side connection id, 0 until connected
	remoteFD    uint64 // proxy-side file handle for Kind == File
	nonBlocking bool
	offset      int64 // file position for redirected files

	// Data pushed by the proxy ahead of an application read, and accepted
	// connections waiting for the application's accept.
	recvQ   [][]byte
	peerEOF bool
	pending []Incoming

	// At most one outstanding remote call per descriptor. Zero when idle.
	inflight uint64

	// notify is pulsed when the proxy pushes something for this
	// descriptor (data, an accepted connection, peer close). Blocking
	// reads and accepts wait on it.
	notify chan struct{}
}

// Incoming is an accepted remote connection queued on a listening record.
type Incoming struct {
	ConnID   uint64
	PeerAddr string
}

func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Transition applies ev to the record's state machine. An edge the
// lifecycle does not list fails with ErrInvalidTransition and leaves the
// state untouched.
func (r *Record) Transition(ev Event) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, ok := nextState(r.state, ev)
	if !ok {
		return r.state, utils.ErrInvalidTransition
	}
	r.state = next
	return next, nil
}

func nextState(cur State, ev Event) (State, bool) {
	switch ev {
	case EvBind:
		if cur == Unbound {
			return Bound, true
		}
	case EvListen:
		if cur == Bound {
			return Listening, true
		}
	case EvConnect:
		if cur == Unbound || cur == Bound {
			return Connected, true
		}
	case EvClose:
		if cur != Closed {
			return Closed, true
		}
	}
	return cur, false
}

func (r *Record) SetBoundAddr(addr string) { r.mu.Lock(); r.boundAddr = addr; r.mu.Unlock() }
func (r *Record) SetPeerAddr(addr string) { r.mu.Lock(); r.peerAddr = addr; r.mu.Unlock() }
func (r *Record) SetConnID(id uint64) { r.mu.Lock(); r.connID = id; r.mu.Unlock() }
func (r *Record) SetRemoteFD(id uint64) { r.mu.Lock(); r.remoteFD = id; r.mu.Unlock() }
func (r *Record) SetNonBlocking(v bool) { r.mu.Lock(); r.nonBlocking = v; r.mu.Unlock() }

func (r *Record) BoundAddr() string { r.mu.Lock(); defer r.mu.Unlock(); return r.boundAddr }
func (r *Record) PeerAddr() string { r.mu.Lock(); defer r.mu.Unlock(); return r.peerAddr }
func (r *Record) ConnID() uint64 { r.mu.Lock(); defer r.mu.Unlock(); return r.connID }
func (r *Record) RemoteFD() uint64 { r.mu.Lock(); defer r.mu.Unlock(); return r.remoteFD }
func (r *Record) NonBlocking() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.nonBlocking }

// Advance moves the file position by n and returns the offset the next
// operation should use.
func (r *Record) Advance(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offset += n
	return r.offset
}

func (r *Record) Offset() int64 { r.mu.Lock(); defer r.mu.Unlock(); return r.offset }
func (r *Record) SetOffset(off int64) { r.mu.Lock(); r.offset = off; r.mu.Unlock() }

// PushData queues data the proxy delivered ahead of an application read.
func (r *Record) PushData(data []byte) {
	if len(data) == 0 {
		return
	}
	r.mu.Lock()
	r.recvQ = append(r.recvQ, data)
	r.mu.Unlock()
}

// MarkPeerEOF records that the remote peer closed; reads drain the queue
// and then report end of stream.
func (r *Record) MarkPeerEOF() {
	r.mu.Lock()
	r.peerEOF = true
	r.mu.Unlock()
}

// PopData hands back up to max buffered bytes. The second return is true
// when the queue is empty and the peer has closed.
func (r *Record) PopData(max int) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.recvQ) == 0 {
		return nil, r.peerEOF
	}
	head := r.recvQ[0]
	if max > 0 && len(head) > max {
		r.recvQ[0] = head[max:]
		return head[:max], false
	}
	r.recvQ = r.recvQ[1:]
	return head, false
}

// HasData reports whether a read can complete without a remote round trip.
func (r *Record) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recvQ) > 0 || r.peerEOF
}

// PushIncoming queues an accepted remote connection on a listening record.
func (r *Record) PushIncoming(in Incoming) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Listening {
		return utils.ErrInvalidTransition
	}
	r.pending = append(r.pending, in)
	return nil
}

// PopIncoming dequeues the next accepted connection, if any.
func (r *Record) PopIncoming() (Incoming, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return Incoming{}, false
	}
	in := r.pending[0]
	r.pending = r.pending[1:]
	return in, true
}

// BeginCall claims the descriptor's single outstanding-remote-call slot.
// Handlers claim it under LockIO, so a second concurrent call waits on the
// I/O lock, never here; an occupied slot means a background harvest still
// owns the channel for this descriptor.
func (r *Record) BeginCall(id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight != 0 {
		return utils.ErrInvalidTransition
	}
	r.inflight = id
	return nil
}

// EndCall releases the slot claimed by BeginCall.
func (r *Record) EndCall(id uint64) {
	r.mu.Lock()
	if r.inflight == id {
		r.inflight = 0
	}
	r.mu.Unlock()
}

// InflightCall returns the id of the outstanding remote call, 0 if none.
func (r *Record) InflightCall() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// LockIO serializes I/O on this descriptor across a remote round trip.
func (r *Record) LockIO() { r.ioMu.Lock() }

// UnlockIO releases the I/O serialization taken by LockIO.
func (r *Record) UnlockIO() { r.ioMu.Unlock() }

// NotifyCh returns the channel pulsed on proxy pushes for this descriptor.
func (r *Record) NotifyCh() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
	}
	return r.notify
}

// Notify wakes one waiter on NotifyCh. Never blocks.
func (r *Record) Notify() {
	r.mu.Lock()
	if r.notify == nil {
		r.notify = make(chan struct{}, 1)
	}
	ch := r.notify
	r.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}
