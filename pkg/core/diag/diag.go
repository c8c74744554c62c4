// Package diag delivers structured log records to an out-of-process
// collector. The host program owns the standard streams and may have
// closed or redirected them, so diagnostics leave through a unix datagram
// socket instead. Delivery is best effort: a record that cannot be sent is
// dropped and counted, never allowed to fail or delay an intercepted
// operation.
package diag

import (
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dialTimeout = 2 * time.Second

// Sink is a zap sink writing datagrams to the external collector.
type Sink struct {
	conn  net.Conn
	drops atomic.Uint64
}

// NewCore connects to the collector at addr (a unix datagram socket path)
// and returns a zapcore.Core teeing records to it. An empty addr, or a
// collector that cannot be reached, yields a no-op core; the layer keeps
// its file logger either way.
func NewCore(addr string, enab zapcore.LevelEnabler) (zapcore.Core, *Sink, error) {
	if addr == "" {
		return zapcore.NewNopCore(), nil, nil
	}

	conn, err := net.DialTimeout("unixgram", addr, dialTimeout)
	if err != nil {
		return zapcore.NewNopCore(), nil, err
	}

	sink := &Sink{conn: conn}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), enab)
	return core, sink, nil
}

// Write implements io.Writer. Errors are swallowed: the collector being
// slow or gone must never surface into the host program's calls.
func (s *Sink) Write(p []byte) (int, error) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := s.conn.Write(p); err != nil {
		s.drops.Add(1)
	}
	return len(p), nil
}

// Drops reports how many records could not be delivered.
func (s *Sink) Drops() uint64 {
	return s.drops.Load()
}

// Close tears the collector connection down.
func (s *Sink) Close() {
	if s != nil && s.conn != nil {
		_ = s.conn.Close()
	}
}

// Attach tees the sink core onto an existing logger.
func Attach(logger *zap.Logger, core zapcore.Core) *zap.Logger {
	if core == nil {
		return logger
	}
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, core)
	}))
}
