package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeInstaller patches nothing; it records install order and can be told
// to fail on a given symbol.
type fakeInstaller struct {
	mu          sync.Mutex
	installed   map[string]bool
	order       []string
	failOn      string
	uninstalled []string
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{installed: make(map[string]bool)}
}

func (f *fakeInstaller) Install(sym string) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sym == f.failOn {
		return 0, errors.New("patch site busy")
	}
	f.installed[sym] = true
	f.order = append(f.order, sym)
	return uintptr(0x1000 + len(f.order)), nil
}

func (f *fakeInstaller) Uninstall(sym string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[sym] = false
	f.uninstalled = append(f.uninstalled, sym)
	return nil
}

// fakePassthrough records which calls fell through to the original
// implementation.
type fakePassthrough struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePassthrough) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakePassthrough) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakePassthrough) Socket(domain, typ, proto int) (int, error) { f.record("socket"); return 30, nil }
func (f *fakePassthrough) Bind(fd int, addr string) error { f.record("bind"); return nil }
func (f *fakePassthrough) Listen(fd, backlog int) error { f.record("listen"); return nil }
func (f *fakePassthrough) Connect(fd int, addr string) error { f.record("connect"); return nil }
func (f *fakePassthrough) Accept(fd int) (int, string, error) {
	f.record("accept")
	return 31, "192.0.2.1:4000", nil
}
func (f *fakePassthrough) Send(fd int, b []byte) (int, error) { f.record("send"); return len(b), nil }
func (f *fakePassthrough) Recv(fd, max int) ([]byte, error) {
	f.record("recv")
	return []byte("local"), nil
}
func (f *fakePassthrough) GetPeerName(fd int) (string, error) {
	f.record("getpeername")
	return "192.0.2.1:4000", nil
}
func (f *fakePassthrough) GetSockName(fd int) (string, error) {
	f.record("getsockname")
	return "127.0.0.1:5000", nil
}
func (f *fakePassthrough) Close(fd int) error { f.record("close"); return nil }
func (f *fakePassthrough) Open(path string, flags int, mode uint32) (int, error) {
	f.record("open")
	return 32, nil
}
func (f *fakePassthrough) Read(fd, max int) ([]byte, error) { f.record("read"); return nil, nil }
func (f *fakePassthrough) Write(fd int, b []byte) (int, error) {
	f.record("write")
	return len(b), nil
}
func (f *fakePassthrough) Lseek(fd int, offset int64, whence int) (int64, error) {
	f.record("lseek")
	return offset, nil
}
func (f *fakePassthrough) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	f.record("resolve")
	return []string{"127.0.0.1"}, nil
}

// bypassSocketHandler bypasses or fails every call, per its mode.
type bypassSocketHandler struct {
	err   error
	conns []string
}

func (h *bypassSocketHandler) Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	return -1, h.err
}
func (h *bypassSocketHandler) Bind(ctx context.Context, fd int, addr string) error { return h.err }
func (h *bypassSocketHandler) Listen(ctx context.Context, fd, backlog int) error { return h.err }
func (h *bypassSocketHandler) Connect(ctx context.Context, fd int, addr string) error {
	if h.err != nil {
		return h.err
	}
	h.conns = append(h.conns, addr)
	return nil
}
func (h *bypassSocketHandler) Accept(ctx context.Context, fd int) (int, string, error) {
	return -1, "", h.err
}
func (h *bypassSocketHandler) Send(ctx context.Context, fd int, b []byte) (int, error) {
	return -1, h.err
}
func (h *bypassSocketHandler) Recv(ctx context.Context, fd, max int) ([]byte, error) {
	return nil, h.err
}
func (h *bypassSocketHandler) GetPeerName(ctx context.Context, fd int) (string, error) {
	return "", h.err
}
func (h *bypassSocketHandler) GetSockName(ctx context.Context, fd int) (string, error) {
	return "", h.err
}
func (h *bypassSocketHandler) Close(ctx context.Context, fd int) error { return h.err }

type bypassFileHandler struct{ err error }

func (h *bypassFileHandler) Open(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	return -1, h.err
}
func (h *bypassFileHandler) Read(ctx context.Context, fd, max int) ([]byte, error) {
	return nil, h.err
}
func (h *bypassFileHandler) Write(ctx context.Context, fd int, b []byte) (int, error) {
	return -1, h.err
}
func (h *bypassFileHandler) Seek(ctx context.Context, fd int, offset int64, whence int) (int64, error) {
	return -1, h.err
}
func (h *bypassFileHandler) Close(ctx context.Context, fd int) error { return h.err }

type bypassResolveHandler struct{ err error }

func (h *bypassResolveHandler) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	return nil, h.err
}

func installedDispatcher(t *testing.T, orig Passthrough) (*Dispatcher, *Registry) {
	t.Helper()
	reg := NewRegistry(zap.NewNop(), newFakeInstaller())
	require.NoError(t, reg.Install(context.Background()))
	return NewDispatcher(zap.NewNop(), reg, orig), reg
}

func TestInstallIsAllOrNothing(t *testing.T) {
	inst := newFakeInstaller()
	inst.failOn = "connect" // fourth symbol in the set
	reg := NewRegistry(zap.NewNop(), inst)

	err := reg.Install(context.Background())
	require.Error(t, err)
	assert.False(t, reg.Installed())

	// Everything patched before the failure was rolled back.
	assert.Equal(t, []string{"socket", "bind", "listen"}, inst.order)
	assert.ElementsMatch(t, inst.order, inst.uninstalled)
	for sym, on := range inst.installed {
		assert.False(t, on, "symbol %s left patched after failed install", sym)
	}
}

func TestInstallRunsOnce(t *testing.T) {
	inst := newFakeInstaller()
	reg := NewRegistry(zap.NewNop(), inst)

	require.NoError(t, reg.Install(context.Background()))
	require.NoError(t, reg.Install(context.Background()))
	assert.Len(t, inst.order, 20)
	assert.True(t, reg.Installed())

	h, ok := reg.Lookup("getaddrinfo")
	require.True(t, ok)
	assert.NotZero(t, h.Original)
}

func TestFailedInstallStaysFailed(t *testing.T) {
	inst := newFakeInstaller()
	inst.failOn = "socket"
	reg := NewRegistry(zap.NewNop(), inst)

	require.Error(t, reg.Install(context.Background()))

	// A retry must observe the first outcome, not patch half a set.
	inst.failOn = ""
	require.Error(t, reg.Install(context.Background()))
	assert.False(t, reg.Installed())
}

func TestCallsBeforeInstallPassThrough(t *testing.T) {
	orig := &fakePassthrough{}
	reg := NewRegistry(zap.NewNop(), newFakeInstaller())
	d := NewDispatcher(zap.NewNop(), reg, orig)
	d.SetHandlers(&bypassSocketHandler{err: errors.New("handler must not run")}, nil, nil)

	_, err := d.Socket(context.Background(), 2, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"socket"}, orig.seen())
}

func TestBypassContextSkipsHandlers(t *testing.T) {
	orig := &fakePassthrough{}
	d, _ := installedDispatcher(t, orig)
	boom := errors.New("handler must not run")
	d.SetHandlers(&bypassSocketHandler{err: boom}, &bypassFileHandler{err: boom}, &bypassResolveHandler{err: boom})

	ctx := WithBypass(context.Background())
	_, err := d.Socket(ctx, 2, 1, 0)
	require.NoError(t, err)
	_, err = d.Open(ctx, "/etc/resolv.conf", 0, 0)
	require.NoError(t, err)
	_, err = d.Resolve(ctx, "proxy.local", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"socket", "open", "resolve"}, orig.seen())
}

func TestHandlerBypassFallsThroughToOriginal(t *testing.T) {
	orig := &fakePassthrough{}
	d, _ := installedDispatcher(t, orig)
	d.SetHandlers(
		&bypassSocketHandler{err: Bypass("not managed")},
		&bypassFileHandler{err: Bypass("no rule")},
		&bypassResolveHandler{err: Bypass("numeric")},
	)

	ctx := context.Background()
	err := d.Connect(ctx, 9, "127.0.0.1:8080")
	require.NoError(t, err)
	n, err := d.Send(ctx, 9, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = d.Read(ctx, 9, 16)
	require.NoError(t, err)
	addrs, err := d.Resolve(ctx, "localhost", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)

	assert.Equal(t, []string{"connect", "send", "read", "resolve"}, orig.seen())
}

func TestHandlerErrorsAreNotBypassed(t *testing.T) {
	orig := &fakePassthrough{}
	d, _ := installedDispatcher(t, orig)
	boom := fmt.Errorf("remote refused")
	d.SetHandlers(&bypassSocketHandler{err: boom}, nil, nil)

	err := d.Connect(context.Background(), 9, "10.0.0.1:80")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, orig.seen(), "a real handler failure must not retry on the original")
}

func TestHandlerServesManagedCalls(t *testing.T) {
	orig := &fakePassthrough{}
	d, _ := installedDispatcher(t, orig)
	h := &bypassSocketHandler{}
	d.SetHandlers(h, nil, nil)

	require.NoError(t, d.Connect(context.Background(), 9, "10.8.0.4:443"))
	assert.Equal(t, []string{"10.8.0.4:443"}, h.conns)
	assert.Empty(t, orig.seen())
}

func TestCloseTriesSocketThenFileThenOriginal(t *testing.T) {
	orig := &fakePassthrough{}
	d, _ := installedDispatcher(t, orig)
	d.SetHandlers(
		&bypassSocketHandler{err: Bypass("not a socket")},
		&bypassFileHandler{err: Bypass("not a file")},
		nil,
	)

	require.NoError(t, d.Close(context.Background(), 9))
	assert.Equal(t, []string{"close"}, orig.seen())
}

func TestUninstallRestoresSymbols(t *testing.T) {
	inst := newFakeInstaller()
	reg := NewRegistry(zap.NewNop(), inst)
	require.NoError(t, reg.Install(context.Background()))

	reg.Uninstall()
	assert.Len(t, inst.uninstalled, 20)
	for sym, on := range inst.installed {
		assert.False(t, on, "symbol %s still patched after uninstall", sym)
	}
}

func TestBypassMarkerIsIdempotent(t *testing.T) {
	ctx := WithBypass(context.Background())
	assert.True(t, Bypassed(ctx))
	assert.Same(t, ctx, WithBypass(ctx))
	assert.False(t, Bypassed(context.Background()))
	assert.False(t, Bypassed(nil))
}
