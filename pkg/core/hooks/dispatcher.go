package hooks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrBypass is the soft-failure a handler returns when the call should be
// served by the original implementation: the descriptor is not managed, the
// address is loopback, the path matches no rule, and so on. Wrap it with
// the reason: fmt.Errorf("%w: loopback", hooks.ErrBypass).
var ErrBypass = errors.New("bypass to original implementation")

// Bypass wraps ErrBypass with a reason for the debug log.
func Bypass(reason string) error {
	return fmt.Errorf("%w: %s", ErrBypass, reason)
}

// SocketHandler serves the slow path of intercepted socket operations.
type SocketHandler interface {
	Socket(ctx context.Context, domain, typ, proto int) (int, error)
	Bind(ctx context.Context, fd int, addr string) error
	Listen(ctx context.Context, fd, backlog int) error
	Connect(ctx context.Context, fd int, addr string) error
	Accept(ctx context.Context, fd int) (int, string, error)
	Send(ctx context.Context, fd int, b []byte) (int, error)
	Recv(ctx context.Context, fd, max int) ([]byte, error)
	GetPeerName(ctx context.Context, fd int) (string, error)
	GetSockName(ctx context.Context, fd int) (string, error)
	Close(ctx context.Context, fd int) error
}

// FileHandler serves the slow path of intercepted file operations.
type FileHandler interface {
	Open(ctx context.Context, path string, flags int, mode uint32) (int, error)
	Read(ctx context.Context, fd, max int) ([]byte, error)
	Write(ctx context.Context, fd int, b []byte) (int, error)
	Seek(ctx context.Context, fd int, offset int64, whence int) (int64, error)
	Close(ctx context.Context, fd int) error
}

// ResolveHandler serves intercepted name resolution.
type ResolveHandler interface {
	Resolve(ctx context.Context, name string, family int) ([]string, error)
}

// Passthrough is the original, unpatched implementation surface. The
// production implementation issues raw syscalls; tests substitute fakes to
// check the byte-identical passthrough property.
type Passthrough interface {
	Socket(domain, typ, proto int) (int, error)
	Bind(fd int, addr string) error
	Listen(fd, backlog int) error
	Connect(fd int, addr string) error
	Accept(fd int) (int, string, error)
	Send(fd int, b []byte) (int, error)
	Recv(fd, max int) ([]byte, error)
	GetPeerName(fd int) (string, error)
	GetSockName(fd int) (string, error)
	Close(fd int) error
	Open(path string, flags int, mode uint32) (int, error)
	Read(fd, max int) ([]byte, error)
	Write(fd int, b []byte) (int, error)
	Lseek(fd int, offset int64, whence int) (int64, error)
	Resolve(ctx context.Context, name string, family int) ([]string, error)
}

// Dispatcher routes every intercepted call either to the original
// implementation or into the layer's handlers. Routing rules, in order:
// calls made under a bypass context go to the original; calls arriving
// before installation completed go to the original; otherwise the matching
// handler runs, and a handler bypass sends the call to the original after
// all.
type Dispatcher struct {
	logger   *zap.Logger
	registry *Registry
	orig     Passthrough

	socket  SocketHandler
	file    FileHandler
	resolve ResolveHandler
}

func NewDispatcher(logger *zap.Logger, registry *Registry, orig Passthrough) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		orig:     orig,
	}
}

// SetHandlers wires the slow-path handlers. Must happen before Install so
// no window exists where a patched symbol has nowhere to go.
func (d *Dispatcher) SetHandlers(s SocketHandler, f FileHandler, r ResolveHandler) {
	d.socket = s
	d.file = f
	d.resolve = r
}

// Original exposes the passthrough surface for the layer's own internals.
func (d *Dispatcher) Original() Passthrough {
	return d.orig
}

func (d *Dispatcher) direct(ctx context.Context, cat Category) bool {
	if Bypassed(ctx) {
		return true
	}
	if !d.registry.Installed() {
		return true
	}
	switch cat {
	case CategorySocket:
		return d.socket == nil
	case CategoryFile:
		return d.file == nil
	case CategoryResolve:
		return d.resolve == nil
	}
	return true
}

func (d *Dispatcher) bypassed(op string, err error) bool {
	if errors.Is(err, ErrBypass) {
		d.logger.Debug("hooked call bypassed", zap.String("op", op), zap.Error(err))
		return true
	}
	return false
}

func (d *Dispatcher) Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Socket(domain, typ, proto)
	}
	n, err := d.socket.Socket(ctx, domain, typ, proto)
	if d.bypassed("socket", err) {
		return d.orig.Socket(domain, typ, proto)
	}
	return n, err
}

func (d *Dispatcher) Bind(ctx context.Context, fd int, addr string) error {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Bind(fd, addr)
	}
	err := d.socket.Bind(ctx, fd, addr)
	if d.bypassed("bind", err) {
		return d.orig.Bind(fd, addr)
	}
	return err
}

func (d *Dispatcher) Listen(ctx context.Context, fd, backlog int) error {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Listen(fd, backlog)
	}
	err := d.socket.Listen(ctx, fd, backlog)
	if d.bypassed("listen", err) {
		return d.orig.Listen(fd, backlog)
	}
	return err
}

func (d *Dispatcher) Connect(ctx context.Context, fd int, addr string) error {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Connect(fd, addr)
	}
	err := d.socket.Connect(ctx, fd, addr)
	if d.bypassed("connect", err) {
		return d.orig.Connect(fd, addr)
	}
	return err
}

func (d *Dispatcher) Accept(ctx context.Context, fd int) (int, string, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Accept(fd)
	}
	n, peer, err := d.socket.Accept(ctx, fd)
	if d.bypassed("accept", err) {
		return d.orig.Accept(fd)
	}
	return n, peer, err
}

func (d *Dispatcher) Send(ctx context.Context, fd int, b []byte) (int, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Send(fd, b)
	}
	n, err := d.socket.Send(ctx, fd, b)
	if d.bypassed("send", err) {
		return d.orig.Send(fd, b)
	}
	return n, err
}

func (d *Dispatcher) Recv(ctx context.Context, fd, max int) ([]byte, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Recv(fd, max)
	}
	b, err := d.socket.Recv(ctx, fd, max)
	if d.bypassed("recv", err) {
		return d.orig.Recv(fd, max)
	}
	return b, err
}

func (d *Dispatcher) GetPeerName(ctx context.Context, fd int) (string, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.GetPeerName(fd)
	}
	addr, err := d.socket.GetPeerName(ctx, fd)
	if d.bypassed("getpeername", err) {
		return d.orig.GetPeerName(fd)
	}
	return addr, err
}

func (d *Dispatcher) GetSockName(ctx context.Context, fd int) (string, error) {
	if d.direct(ctx, CategorySocket) {
		return d.orig.GetSockName(fd)
	}
	addr, err := d.socket.GetSockName(ctx, fd)
	if d.bypassed("getsockname", err) {
		return d.orig.GetSockName(fd)
	}
	return addr, err
}

// Close is special: sockets and redirected files share one numbering
// space, so the socket handler gets first refusal and bypasses descriptors
// it does not own to the file handler, which bypasses unmanaged ones to
// the original close.
func (d *Dispatcher) Close(ctx context.Context, fd int) error {
	if d.direct(ctx, CategorySocket) {
		return d.orig.Close(fd)
	}
	err := d.socket.Close(ctx, fd)
	if !errors.Is(err, ErrBypass) {
		return err
	}
	if d.file != nil {
		err = d.file.Close(ctx, fd)
		if !errors.Is(err, ErrBypass) {
			return err
		}
	}
	d.logger.Debug("hooked call bypassed", zap.String("op", "close"), zap.Int("fd", fd))
	return d.orig.Close(fd)
}

func (d *Dispatcher) Open(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	if d.direct(ctx, CategoryFile) {
		return d.orig.Open(path, flags, mode)
	}
	n, err := d.file.Open(ctx, path, flags, mode)
	if d.bypassed("open", err) {
		return d.orig.Open(path, flags, mode)
	}
	return n, err
}

func (d *Dispatcher) Read(ctx context.Context, fd, max int) ([]byte, error) {
	if d.direct(ctx, CategoryFile) {
		return d.orig.Read(fd, max)
	}
	b, err := d.file.Read(ctx, fd, max)
	if d.bypassed("read", err) {
		return d.orig.Read(fd, max)
	}
	return b, err
}

func (d *Dispatcher) Write(ctx context.Context, fd int, b []byte) (int, error) {
	if d.direct(ctx, CategoryFile) {
		return d.orig.Write(fd, b)
	}
	n, err := d.file.Write(ctx, fd, b)
	if d.bypassed("write", err) {
		return d.orig.Write(fd, b)
	}
	return n, err
}

func (d *Dispatcher) Lseek(ctx context.Context, fd int, offset int64, whence int) (int64, error) {
	if d.direct(ctx, CategoryFile) {
		return d.orig.Lseek(fd, offset, whence)
	}
	pos, err := d.file.Seek(ctx, fd, offset, whence)
	if d.bypassed("lseek", err) {
		return d.orig.Lseek(fd, offset, whence)
	}
	return pos, err
}

func (d *Dispatcher) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	if d.direct(ctx, CategoryResolve) {
		return d.orig.Resolve(ctx, name, family)
	}
	addrs, err := d.resolve.Resolve(ctx, name, family)
	if d.bypassed("resolve", err) {
		return d.orig.Resolve(WithBypass(ctx), name, family)
	}
	return addrs, err
}
