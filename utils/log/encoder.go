package log

import (
	"regexp"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// The development console encoder colors level names with ANSI escapes.
// The layer's output lands in a file, never a terminal, so the escapes
// are stripped after encoding instead of turning up as garbage bytes in
// the log.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

type fileConsole struct {
	zapcore.Encoder
}

func newFileConsole(cfg zapcore.EncoderConfig) zapcore.Encoder {
	// Wrapping the stock ConsoleEncoder keeps the ObjectEncoder surface
	// without reimplementing it.
	return fileConsole{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (e fileConsole) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buff, err := e.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}

	plain := ansiEscape.ReplaceAll(buff.Bytes(), nil)
	buff.Reset()
	_, _ = buff.Write(plain)
	return buff, nil
}

func (e fileConsole) Clone() zapcore.Encoder {
	return fileConsole{Encoder: e.Encoder.Clone()}
}
