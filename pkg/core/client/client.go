// Package client multiplexes every intercepted operation that needs the
// remote side onto one persistent control channel to the proxy. Calls are
// synchronous from the calling thread's point of view: the thread blocks on
// its call's wait handle until the correlated response arrives, exactly as
// it would have blocked in the syscall the layer intercepted.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RustWorks/mirrord/pkg/models"
	"github.com/RustWorks/mirrord/utils"
)

var errMalformed = errors.New("malformed control channel frame")

const handshakeTimeout = 10 * time.Second

// NotificationSink receives unsolicited pushes from the proxy. Delivery
// happens on the reader goroutine; sinks must not block.
type NotificationSink interface {
	HandleNotification(op models.Op, payload json.RawMessage)
}

type result struct {
	payload  json.RawMessage
	wireErr  *models.WireError
	localErr error
}

// Pending is one in-flight remote call: the request id, and the wait
// handle its calling thread blocks on. Exactly one result is ever
// delivered into done.
type Pending struct {
	id   uint64
	op   models.Op
	done chan result
}

// ID returns the call's request identifier.
func (p *Pending) ID() uint64 { return p.id }

// Ready reports whether the response has already arrived, without waiting.
func (p *Pending) Ready() bool {
	return len(p.done) > 0
}

// Client is the remote call client. One instance per process, created at
// layer startup and shared by every handler.
type Client struct {
	logger  *zap.Logger
	conn    net.Conn
	session string

	// writeMu serializes frames onto the channel. Combined with the
	// one-outstanding-call invariant per descriptor, this preserves a
	// descriptor's request stream in issuance order.
	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*Pending
	// ids whose callers gave up before the response arrived; their one
	// response is discarded on arrival, anything after that is a
	// duplicate and a protocol violation
	abandoned map[uint64]struct{}
	closed    bool
	closeErr  error

	sink NotificationSink

	// fatal escalates a protocol violation: state past that point cannot
	// be trusted and the layer must abort rather than corrupt calls.
	fatal func(error)
}

// Options tune the client. Zero values are production defaults.
type Options struct {
	// Fatal is called on an unrecoverable protocol violation. Defaults to
	// panic, which the layer entry point turns into an abort.
	Fatal func(error)
}

// Dial establishes the control channel, performs the handshake, and starts
// the demultiplexing reader. The address is a "host:port" TCP endpoint or
// an absolute unix socket path.
func Dial(ctx context.Context, logger *zap.Logger, addr string, sink NotificationSink, opts Options) (*Client, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the proxy at %q: %w", addr, err)
	}

	fatal := opts.Fatal
	if fatal == nil {
		fatal = func(err error) { panic(err) }
	}

	c := &Client{
		logger:    logger,
		conn:      conn,
		session:   uuid.NewString(),
		pending:   make(map[uint64]*Pending),
		abandoned: make(map[uint64]struct{}),
		sink:      sink,
		fatal:     fatal,
	}

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()

	logger.Info("control channel established",
		zap.String("proxy", addr),
		zap.String("session", c.session))
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	hs := models.Handshake{
		Session: c.session,
		Version: utils.Version,
	}
	env, err := c.encodeRequest(models.OpHandshake, &hs)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	if err := writeFrame(c.conn, env); err != nil {
		return fmt.Errorf("handshake send failed: %w", err)
	}
	reply, err := readFrame(c.conn)
	if err != nil {
		return fmt.Errorf("handshake receive failed: %w", err)
	}
	if reply.Kind != models.KindResponse || reply.ID != env.ID {
		return fmt.Errorf("unexpected handshake reply %s id=%d: %w", reply.Kind, reply.ID, utils.ErrProtocol)
	}
	if reply.Error != nil {
		return fmt.Errorf("proxy rejected handshake: %s", reply.Error.Message)
	}

	var hr models.HandshakeReply
	if len(reply.Payload) > 0 {
		if err := json.Unmarshal(reply.Payload, &hr); err != nil {
			return fmt.Errorf("undecodable handshake reply: %w", utils.ErrProtocol)
		}
	}
	c.logger.Debug("handshake complete", zap.String("agentVersion", hr.AgentVersion))
	return nil
}

func (c *Client) encodeRequest(op models.Op, in any) (*models.Envelope, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %v", op, err)
	}
	return &models.Envelope{
		Kind:    models.KindRequest,
		ID:      c.nextID.Add(1),
		Op:      op,
		Payload: payload,
	}, nil
}

// Start sends a request and returns its pending handle without waiting.
// Used for non-blocking descriptors, where the caller must get "would
// block" instead of a wait.
func (c *Client) Start(op models.Op, in any) (*Pending, error) {
	env, err := c.encodeRequest(op, in)
	if err != nil {
		return nil, err
	}

	p := &Pending{id: env.ID, op: op, done: make(chan result, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[env.ID] = p
	c.mu.Unlock()

	c.writeMu.Lock()
	err = writeFrame(c.conn, env)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(p.id)
		// A dead channel is terminal for remote capability but never for
		// the host process.
		c.shutdown(utils.ErrConnectionLost)
		return nil, utils.ErrConnectionLost
	}
	return p, nil
}

// Wait blocks the calling thread until p's response arrives, decoding it
// into out. Context cancellation abandons the call so process termination
// is never delayed by the proxy.
func (c *Client) Wait(ctx context.Context, p *Pending, out any) error {
	select {
	case res := <-p.done:
		return decodeResult(res, p.op, out)
	case <-ctx.Done():
		c.drop(p.id)
		return ctx.Err()
	}
}

// Poll completes p if its response already arrived, and reports
// ErrWouldBlock otherwise. Never suspends.
func (c *Client) Poll(p *Pending, out any) error {
	select {
	case res := <-p.done:
		return decodeResult(res, p.op, out)
	default:
		c.mu.Lock()
		closed, closeErr := c.closed, c.closeErr
		c.mu.Unlock()
		if closed {
			c.drop(p.id)
			return closeErr
		}
		return utils.ErrWouldBlock
	}
}

// Do is the blocking request/response round trip used for descriptors in
// blocking mode.
func (c *Client) Do(ctx context.Context, op models.Op, in, out any) error {
	p, err := c.Start(op, in)
	if err != nil {
		return err
	}
	return c.Wait(ctx, p, out)
}

// Abandon forgets an in-flight call. A response that later arrives for it
// is discarded, not treated as unmatched.
func (c *Client) Abandon(p *Pending) {
	c.drop(p.id)
}

func decodeResult(res result, op models.Op, out any) error {
	if res.localErr != nil {
		return res.localErr
	}
	if res.wireErr != nil {
		return res.wireErr
	}
	if out == nil || len(res.payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.payload, out); err != nil {
		return fmt.Errorf("undecodable %s response: %w", op, utils.ErrProtocol)
	}
	return nil
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	if _, ok := c.pending[id]; ok {
		delete(c.pending, id)
		c.abandoned[id] = struct{}{}
	}
	c.mu.Unlock()
}

// readLoop is the single demultiplexer: responses are matched to their
// calls by id, notifications are routed to the sink, anything else is a
// protocol violation.
func (c *Client) readLoop() {
	defer utils.Recover(c.logger)

	for {
		env, err := readFrame(c.conn)
		if err != nil {
			if errors.Is(err, errMalformed) {
				c.violation(err)
				return
			}
			c.shutdown(utils.ErrConnectionLost)
			return
		}

		switch env.Kind {
		case models.KindResponse:
			c.mu.Lock()
			p, ok := c.pending[env.ID]
			if ok {
				delete(c.pending, env.ID)
			}
			_, abandoned := c.abandoned[env.ID]
			if abandoned {
				delete(c.abandoned, env.ID)
			}
			c.mu.Unlock()

			if !ok {
				if abandoned {
					// Response for a call the caller gave up on; the call
					// already failed, dropping is the correct outcome.
					c.logger.Debug("discarding response for abandoned call",
						zap.Uint64("id", env.ID))
					continue
				}
				// Ids never issued and ids answered twice both land
				// here; either way the streams are desynced.
				c.violation(fmt.Errorf("response for unknown or already answered request id %d: %w", env.ID, utils.ErrProtocol))
				return
			}
			p.done <- result{payload: env.Payload, wireErr: env.Error}

		case models.KindNotification:
			if c.sink != nil {
				c.sink.HandleNotification(env.Op, env.Payload)
			}

		default:
			c.violation(fmt.Errorf("unexpected %q frame from proxy: %w", env.Kind, utils.ErrProtocol))
			return
		}
	}
}

// violation handles an unrecoverable protocol error: every outstanding
// call fails, the channel closes, and the fatal hook escalates, because
// correlation state can no longer be trusted.
func (c *Client) violation(err error) {
	utils.LogError(c.logger, err, "control channel protocol violation")
	c.shutdown(utils.ErrProtocol)
	c.fatal(err)
}

// shutdown fails all outstanding calls with err and marks the client
// terminally broken. Safe to call more than once.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	stranded := c.pending
	c.pending = make(map[uint64]*Pending)
	c.mu.Unlock()

	_ = c.conn.Close()

	for _, p := range stranded {
		p.done <- result{localErr: err}
	}
	if len(stranded) > 0 {
		c.logger.Warn("failed outstanding remote calls",
			zap.Int("count", len(stranded)), zap.Error(err))
	}
}

// Close tears the channel down at layer exit.
func (c *Client) Close() {
	c.shutdown(utils.ErrConnectionLost)
}

// Broken reports whether the channel is gone. Handlers use it to fail fast
// instead of issuing requests that can never complete.
func (c *Client) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Session returns the channel's session id.
func (c *Client) Session() string { return c.session }
