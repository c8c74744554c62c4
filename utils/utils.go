// Package utils provides shared helpers for the interception layer.
package utils

import (
	"errors"
	"log"
	"runtime/debug"

	"go.uber.org/zap"
)

var Version string

// LogError logs an error with the given message and fields. It is a no-op
// when err is nil so call sites can pass through error values unchecked.
func LogError(logger *zap.Logger, err error, msg string, fields ...zap.Field) {
	if logger == nil {
		log.Printf("logger is not set, %s: %v", msg, err)
		return
	}
	if err == nil {
		return
	}
	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)
}

// Recover is meant to be deferred at the top of every goroutine the layer
// spawns. The host process is not ours to crash; a panic in layer internals
// is logged and swallowed unless it carries a fatal protocol violation.
func Recover(logger *zap.Logger) {
	r := recover()
	if r == nil {
		return
	}
	if err, ok := r.(error); ok && errors.Is(err, ErrProtocol) {
		// The channel state cannot be trusted anymore; this must reach
		// the abort path, not the log.
		panic(r)
	}
	if logger != nil {
		logger.Error("recovered from panic in layer goroutine",
			zap.Any("panic", r),
			zap.String("stacktrace", string(debug.Stack())))
	}
}
