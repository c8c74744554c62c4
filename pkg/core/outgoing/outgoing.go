// Package outgoing implements the slow path for intercepted socket
// operations: deciding per connection whether it is served by the remote
// side, and translating the application's socket calls into remote call
// exchanges while preserving blocking and non-blocking semantics.
package outgoing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core/client"
	"github.com/RustWorks/mirrord/pkg/core/fd"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/pkg/models"
	"github.com/RustWorks/mirrord/utils"
)

// Handler implements hooks.SocketHandler.
type Handler struct {
	logger *zap.Logger
	table  *fd.Table
	client *client.Client
	cfg    config.Outgoing
	orig   hooks.Passthrough

	mu sync.Mutex
	// reverse indexes from proxy-side ids to descriptors, fed by
	// notifications
	connToFD   map[uint64]int
	listenToFD map[uint64]int
	// in-flight calls of non-blocking descriptors, harvested on the next
	// operation on the same descriptor
	pendingConnect map[int]*client.Pending
	pendingRecv    map[int]*client.Pending
}

func NewHandler(logger *zap.Logger, table *fd.Table, cl *client.Client, cfg config.Outgoing, orig hooks.Passthrough) *Handler {
	return &Handler{
		logger:         logger,
		table:          table,
		client:         cl,
		cfg:            cfg,
		orig:           orig,
		connToFD:       make(map[uint64]int),
		listenToFD:     make(map[uint64]int),
		pendingConnect: make(map[int]*client.Pending),
		pendingRecv:    make(map[int]*client.Pending),
	}
}

// SetClient wires the control channel client. The handler doubles as the
// channel's notification sink, so it must exist before the channel is
// dialed; the client lands here right after, before any hook is installed.
func (h *Handler) SetClient(cl *client.Client) {
	h.client = cl
}

// Socket creates the real OS socket and registers it so the later connect
// or bind can decide remote vs local. Address families the layer does not
// handle pass straight through.
func (h *Handler) Socket(ctx context.Context, domain, typ, proto int) (int, error) {
	if !h.cfg.Enabled {
		return -1, hooks.Bypass("outgoing traffic is disabled")
	}
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		return -1, hooks.Bypass(fmt.Sprintf("unhandled socket domain %d", domain))
	}
	sockType := typ &^ (unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC)
	if sockType != unix.SOCK_STREAM && sockType != unix.SOCK_DGRAM {
		return -1, hooks.Bypass(fmt.Sprintf("unhandled socket type %d", sockType))
	}

	n, err := h.orig.Socket(domain, typ, proto)
	if err != nil {
		return n, err
	}

	rec := h.table.Adopt(n, fd.Remote, fd.Meta{Kind: fd.Socket, Domain: domain, Type: sockType})
	if typ&unix.SOCK_NONBLOCK != 0 {
		rec.SetNonBlocking(true)
	}
	return n, nil
}

func (h *Handler) Bind(ctx context.Context, fdNum int, addr string) error {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return hooks.Bypass("descriptor is not a managed socket")
	}

	// Bind the placeholder too, so the host program's own getsockname on
	// the raw descriptor stays coherent.
	if err := h.orig.Bind(fdNum, addr); err != nil {
		return err
	}
	if _, err := rec.Transition(fd.EvBind); err != nil {
		return utils.ErrnoOf(err)
	}
	rec.SetBoundAddr(addr)
	return nil
}

func (h *Handler) Listen(ctx context.Context, fdNum, backlog int) error {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return hooks.Bypass("descriptor is not a managed socket")
	}

	port, err := portOf(rec.BoundAddr())
	if err != nil {
		return unix.EINVAL
	}

	rec.LockIO()
	defer rec.UnlockIO()

	var reply models.ListenReply
	if err := h.client.Do(ctx, models.OpListen, &models.ListenRequest{Port: port}, &reply); err != nil {
		utils.LogError(h.logger, err, "remote listen failed", zap.Uint16("port", port))
		return utils.ErrnoOf(err)
	}
	if _, err := rec.Transition(fd.EvListen); err != nil {
		return utils.ErrnoOf(err)
	}
	rec.SetConnID(reply.ListenID)

	h.mu.Lock()
	h.listenToFD[reply.ListenID] = fdNum
	h.mu.Unlock()

	h.logger.Debug("subscribed to remote port",
		zap.Int("fd", fdNum), zap.Uint16("port", port),
		zap.String("boundAddr", reply.BoundAddr))
	return nil
}

// Connect decides remote vs local for the destination. Local destinations
// leave the table (the descriptor is an ordinary socket from here on);
// remote ones perform the connect round trip through the proxy.
func (h *Handler) Connect(ctx context.Context, fdNum int, addr string) error {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return hooks.Bypass("descriptor is not a managed socket")
	}

	if !h.remoteAddr(addr) {
		h.table.Remove(fdNum)
		return hooks.Bypass(fmt.Sprintf("destination %s is local by policy", addr))
	}

	// Threads sharing this descriptor serialize here, so the channel
	// never carries two of its calls at once.
	rec.LockIO()
	defer rec.UnlockIO()

	if rec.NonBlocking() {
		return h.connectNonBlocking(rec, fdNum, addr)
	}

	proto := "tcp"
	if rec.Meta.Type == unix.SOCK_DGRAM {
		proto = "udp"
	}
	var reply models.ConnectReply
	err := h.client.Do(ctx, models.OpConnect, &models.ConnectRequest{Protocol: proto, Addr: addr}, &reply)
	if err != nil {
		// Failed connects terminate the descriptor's managed lifecycle;
		// the caller sees the exact errno a local connect would produce.
		_, _ = rec.Transition(fd.EvClose)
		h.table.Remove(fdNum)
		return utils.ErrnoOf(err)
	}

	if _, err := rec.Transition(fd.EvConnect); err != nil {
		return utils.ErrnoOf(err)
	}
	h.finishConnect(rec, fdNum, &reply)
	return nil
}

func (h *Handler) connectNonBlocking(rec *fd.Record, fdNum int, addr string) error {
	h.mu.Lock()
	p := h.pendingConnect[fdNum]
	h.mu.Unlock()

	if p == nil {
		if rec.State() == fd.Connected {
			return unix.EISCONN
		}
		proto := "tcp"
		if rec.Meta.Type == unix.SOCK_DGRAM {
			proto = "udp"
		}
		p, err := h.client.Start(models.OpConnect, &models.ConnectRequest{Protocol: proto, Addr: addr})
		if err != nil {
			return utils.ErrnoOf(err)
		}
		if err := rec.BeginCall(p.ID()); err != nil {
			h.client.Abandon(p)
			return utils.ErrnoOf(err)
		}
		h.mu.Lock()
		h.pendingConnect[fdNum] = p
		h.mu.Unlock()
		return unix.EINPROGRESS
	}

	var reply models.ConnectReply
	err := h.client.Poll(p, &reply)
	switch {
	case err == nil:
		rec.EndCall(p.ID())
		h.mu.Lock()
		delete(h.pendingConnect, fdNum)
		h.mu.Unlock()
		if _, terr := rec.Transition(fd.EvConnect); terr != nil {
			return utils.ErrnoOf(terr)
		}
		h.finishConnect(rec, fdNum, &reply)
		return unix.EISCONN
	case errors.Is(err, utils.ErrWouldBlock):
		return unix.EALREADY
	default:
		rec.EndCall(p.ID())
		h.mu.Lock()
		delete(h.pendingConnect, fdNum)
		h.mu.Unlock()
		_, _ = rec.Transition(fd.EvClose)
		h.table.Remove(fdNum)
		return utils.ErrnoOf(err)
	}
}

func (h *Handler) finishConnect(rec *fd.Record, fdNum int, reply *models.ConnectReply) {
	rec.SetConnID(reply.ConnID)
	rec.SetPeerAddr(reply.PeerAddr)
	if reply.LocalAddr != "" {
		rec.SetBoundAddr(reply.LocalAddr)
	}
	h.mu.Lock()
	h.connToFD[reply.ConnID] = fdNum
	h.mu.Unlock()
	h.logger.Debug("remote connect complete",
		zap.Int("fd", fdNum),
		zap.Uint64("connId", reply.ConnID),
		zap.String("peer", reply.PeerAddr))
}

// Accept hands out connections the proxy pushed for a listening
// descriptor. Blocking accepts wait for the push; non-blocking ones report
// would-block immediately.
func (h *Handler) Accept(ctx context.Context, fdNum int) (int, string, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return -1, "", hooks.Bypass("descriptor is not a managed socket")
	}
	if rec.State() != fd.Listening {
		return -1, "", unix.EINVAL
	}

	for {
		if in, ok := rec.PopIncoming(); ok {
			return h.adoptIncoming(rec, in)
		}
		if h.client.Broken() {
			return -1, "", utils.ErrnoOf(utils.ErrConnectionLost)
		}
		if rec.NonBlocking() {
			return -1, "", unix.EWOULDBLOCK
		}
		select {
		case <-rec.NotifyCh():
		case <-ctx.Done():
			return -1, "", unix.EINTR
		}
	}
}

func (h *Handler) adoptIncoming(listener *fd.Record, in fd.Incoming) (int, string, error) {
	rec, err := h.table.Create(fd.Remote, fd.Meta{
		Kind:   fd.Socket,
		Domain: listener.Meta.Domain,
		Type:   listener.Meta.Type,
	})
	if err != nil {
		return -1, "", unix.EMFILE
	}
	if _, err := rec.Transition(fd.EvConnect); err != nil {
		h.table.Remove(rec.FD)
		return -1, "", utils.ErrnoOf(err)
	}
	rec.SetConnID(in.ConnID)
	rec.SetPeerAddr(in.PeerAddr)
	rec.SetBoundAddr(listener.BoundAddr())

	h.mu.Lock()
	h.connToFD[in.ConnID] = rec.FD
	h.mu.Unlock()

	h.logger.Debug("accepted remote connection",
		zap.Int("listenerFd", listener.FD),
		zap.Int("fd", rec.FD),
		zap.String("peer", in.PeerAddr))
	return rec.FD, in.PeerAddr, nil
}

func (h *Handler) Send(ctx context.Context, fdNum int, b []byte) (int, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return 0, hooks.Bypass("descriptor is not a managed socket")
	}
	if rec.State() != fd.Connected {
		return 0, unix.ENOTCONN
	}

	rec.LockIO()
	defer rec.UnlockIO()

	req := &models.SendRequest{ConnID: rec.ConnID(), Data: b}

	if rec.NonBlocking() {
		// Mirror a kernel send buffer: accept the bytes now, harvest the
		// outcome in the background. A failure surfaces as peer EOF on
		// the next read, the same way a broken TCP stream would. A full
		// buffer is a previous send still in flight.
		if rec.InflightCall() != 0 {
			return 0, unix.EWOULDBLOCK
		}
		p, err := h.client.Start(models.OpSend, req)
		if err != nil {
			return 0, utils.ErrnoOf(err)
		}
		if err := rec.BeginCall(p.ID()); err != nil {
			h.client.Abandon(p)
			return 0, unix.EWOULDBLOCK
		}
		go h.harvestSend(rec, p)
		return len(b), nil
	}

	var reply models.SendReply
	if err := h.client.Do(ctx, models.OpSend, req, &reply); err != nil {
		return 0, utils.ErrnoOf(err)
	}
	return reply.N, nil
}

func (h *Handler) harvestSend(rec *fd.Record, p *client.Pending) {
	defer utils.Recover(h.logger)
	defer rec.EndCall(p.ID())
	var reply models.SendReply
	if err := h.client.Wait(context.Background(), p, &reply); err != nil {
		utils.LogError(h.logger, err, "asynchronous send failed",
			zap.Int("fd", rec.FD), zap.Uint64("connId", rec.ConnID()))
		rec.MarkPeerEOF()
		rec.Notify()
	}
}

func (h *Handler) Recv(ctx context.Context, fdNum, max int) ([]byte, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return nil, hooks.Bypass("descriptor is not a managed socket")
	}
	if rec.State() != fd.Connected {
		return nil, unix.ENOTCONN
	}

	rec.LockIO()
	defer rec.UnlockIO()

	// Drain data the proxy pushed ahead of this read before asking for
	// more.
	if data, eof := rec.PopData(max); len(data) > 0 || eof {
		return data, nil
	}

	if rec.NonBlocking() {
		return h.recvNonBlocking(rec, fdNum, max)
	}

	var reply models.RecvReply
	if err := h.client.Do(ctx, models.OpRecv, &models.RecvRequest{ConnID: rec.ConnID(), Max: max}, &reply); err != nil {
		return nil, utils.ErrnoOf(err)
	}
	if reply.EOF {
		rec.MarkPeerEOF()
	}
	return reply.Data, nil
}

func (h *Handler) recvNonBlocking(rec *fd.Record, fdNum, max int) ([]byte, error) {
	h.mu.Lock()
	p := h.pendingRecv[fdNum]
	h.mu.Unlock()

	if p == nil {
		if rec.InflightCall() != 0 {
			return nil, unix.EWOULDBLOCK
		}
		p, err := h.client.Start(models.OpRecv, &models.RecvRequest{ConnID: rec.ConnID(), Max: max})
		if err != nil {
			return nil, utils.ErrnoOf(err)
		}
		if err := rec.BeginCall(p.ID()); err != nil {
			h.client.Abandon(p)
			return nil, unix.EWOULDBLOCK
		}
		h.mu.Lock()
		h.pendingRecv[fdNum] = p
		h.mu.Unlock()
		return nil, unix.EWOULDBLOCK
	}

	var reply models.RecvReply
	err := h.client.Poll(p, &reply)
	switch {
	case err == nil:
		rec.EndCall(p.ID())
		h.mu.Lock()
		delete(h.pendingRecv, fdNum)
		h.mu.Unlock()
		if reply.EOF {
			rec.MarkPeerEOF()
		}
		return reply.Data, nil
	case errors.Is(err, utils.ErrWouldBlock):
		return nil, unix.EWOULDBLOCK
	default:
		rec.EndCall(p.ID())
		h.mu.Lock()
		delete(h.pendingRecv, fdNum)
		h.mu.Unlock()
		return nil, utils.ErrnoOf(err)
	}
}

func (h *Handler) GetPeerName(ctx context.Context, fdNum int) (string, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return "", hooks.Bypass("descriptor is not a managed socket")
	}
	if rec.State() != fd.Connected {
		return "", unix.ENOTCONN
	}
	return rec.PeerAddr(), nil
}

func (h *Handler) GetSockName(ctx context.Context, fdNum int) (string, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return "", hooks.Bypass("descriptor is not a managed socket")
	}
	return rec.BoundAddr(), nil
}

// Close tears down the managed descriptor. The remote close is best
// effort and never blocks the caller; the host program's close must return
// immediately whatever the proxy is doing.
func (h *Handler) Close(ctx context.Context, fdNum int) error {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.Socket {
		return hooks.Bypass("descriptor is not a managed socket")
	}

	h.mu.Lock()
	if p := h.pendingConnect[fdNum]; p != nil {
		h.client.Abandon(p)
		delete(h.pendingConnect, fdNum)
	}
	if p := h.pendingRecv[fdNum]; p != nil {
		h.client.Abandon(p)
		delete(h.pendingRecv, fdNum)
	}
	if id := rec.ConnID(); id != 0 {
		delete(h.connToFD, id)
		delete(h.listenToFD, id)
	}
	h.mu.Unlock()

	if id := rec.ConnID(); id != 0 && !h.client.Broken() {
		if p, err := h.client.Start(models.OpClose, &models.CloseRequest{ConnID: id}); err == nil {
			h.client.Abandon(p)
		}
	}

	_, _ = rec.Transition(fd.EvClose)
	h.table.Remove(fdNum)
	return nil
}

// remoteAddr applies the configured policy to a dialed address. Loopback
// and non-matching destinations stay local.
func (h *Handler) remoteAddr(addr string) bool {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() && h.cfg.IgnoreLocalhost {
		return false
	}
	port, _ := strconv.Atoi(portStr)

	for _, rule := range h.cfg.Remote {
		if rule.Port != 0 && int(rule.Port) != port {
			continue
		}
		if rule.Host == "" {
			return true
		}
		if _, cidr, err := net.ParseCIDR(rule.Host); err == nil && ip != nil {
			if cidr.Contains(ip) {
				return true
			}
			continue
		}
		if rule.Host == host {
			return true
		}
	}
	return false
}

func portOf(addr string) (uint16, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(port), nil
}
