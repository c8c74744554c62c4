// Package clienttest runs an in-process stand-in for the proxy so handler
// and control channel tests exercise real frames over a real connection.
package clienttest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/pkg/models"
)

// HandlerFunc serves one request op. Return either a reply payload or a
// wire error; returning both nils produces an empty successful response.
type HandlerFunc func(payload json.RawMessage) (any, *models.WireError)

// Server accepts a single control channel connection, answers the
// handshake itself, and dispatches every further request to the handler
// registered for its op. Requests with no handler fail with EIO so a test
// that forgot a handler fails loudly instead of hanging.
type Server struct {
	t  *testing.T
	ln net.Listener

	mu       sync.Mutex
	handlers map[models.Op]HandlerFunc
	requests []models.Envelope

	writeMu sync.Mutex

	connMu    sync.Mutex
	conn      net.Conn
	connReady chan struct{}

	closeOnce sync.Once
}

// New starts the server on a loopback port and registers its shutdown with
// the test's cleanup.
func New(t *testing.T) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		t:         t,
		ln:        ln,
		handlers:  make(map[models.Op]HandlerFunc),
		connReady: make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listening address to hand to Dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handle registers fn for op. Safe to call while the server is running.
func (s *Server) Handle(op models.Op, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[op] = fn
	s.mu.Unlock()
}

// Requests returns a snapshot of every request received so far, in arrival
// order.
func (s *Server) Requests() []models.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Envelope, len(s.requests))
	copy(out, s.requests)
	return out
}

// Notify pushes a notification frame to the connected client.
func (s *Server) Notify(op models.Op, payload any) {
	body, err := json.Marshal(payload)
	require.NoError(s.t, err)
	s.Send(&models.Envelope{Kind: models.KindNotification, Op: op, Payload: body})
}

// Send writes a raw envelope to the connected client. Tests use it to
// inject frames the well-behaved dispatch path would never produce.
func (s *Server) Send(env *models.Envelope) {
	<-s.connReady
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	require.NotNil(s.t, conn)

	s.writeMu.Lock()
	err := writeFrame(conn, env)
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.t.Logf("clienttest: send failed: %v", err)
	}
}

// CloseConn drops the accepted connection, simulating channel loss while
// the listener stays up.
func (s *Server) CloseConn() {
	<-s.connReady
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		s.connMu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

func (s *Server) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	close(s.connReady)

	for {
		env, err := readFrame(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, *env)
		fn := s.handlers[env.Op]
		s.mu.Unlock()

		if env.Op == models.OpHandshake {
			s.reply(env.ID, models.HandshakeReply{AgentVersion: "clienttest"}, nil)
			continue
		}
		if fn == nil {
			s.reply(env.ID, nil, &models.WireError{
				Errno:   int(unix.EIO),
				Message: fmt.Sprintf("no handler registered for %s", env.Op),
			})
			continue
		}

		// Handlers run concurrently so a blocked call never stalls the
		// dispatch of later requests.
		go func(env *models.Envelope) {
			out, werr := fn(env.Payload)
			s.reply(env.ID, out, werr)
		}(env)
	}
}

func (s *Server) reply(id uint64, out any, werr *models.WireError) {
	env := &models.Envelope{Kind: models.KindResponse, ID: id, Error: werr}
	if out != nil {
		body, err := json.Marshal(out)
		require.NoError(s.t, err)
		env.Payload = body
	}
	s.Send(env)
}

// The frame format is replicated here rather than shared with the client
// package, so an encoding regression on either side shows up as a test
// failure instead of canceling out.

func writeFrame(w io.Writer, env *models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (*models.Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
