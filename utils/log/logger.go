// Package log builds the zap logger used by the interception layer.
//
// The host process owns stdout/stderr and may have closed or redirected
// them, so the default output is a log file next to the process, not the
// standard streams.
package log

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultLogFile = "mirrord-layer-logs.txt"

var logCfg zap.Config

// New constructs the layer logger. The output file can be overridden with
// the MIRRORD_LAYER_LOGFILE environment variable.
func New() (*zap.Logger, error) {
	_ = zap.RegisterEncoder("fileConsole", func(config zapcore.EncoderConfig) (zapcore.Encoder, error) {
		return newFileConsole(config), nil
	})

	logCfg = zap.NewDevelopmentConfig()
	logCfg.Encoding = "fileConsole"
	logCfg.EncoderConfig.EncodeTime = customTimeEncoder
	logCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logFile := os.Getenv("MIRRORD_LAYER_LOGFILE")
	if logFile == "" {
		logFile = defaultLogFile
	}

	logCfg.OutputPaths = []string{logFile}

	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		f, err := os.Create(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create the log file: %v", err)
		}
		_ = f.Close()
	}

	logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	logCfg.DisableStacktrace = true
	logCfg.EncoderConfig.EncodeCaller = nil

	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build config for logger: %v", err)
	}
	return logger, nil
}

// ChangeLogLevel rebuilds the logger at the given level. Debug level also
// re-enables stack traces and caller annotations.
func ChangeLogLevel(level zapcore.Level) (*zap.Logger, error) {
	logCfg.Level = zap.NewAtomicLevelAt(level)
	if level == zap.DebugLevel {
		logCfg.DisableStacktrace = false
		logCfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	}

	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build config for logger: %v", err)
	}
	return logger, nil
}

func customTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("mirrord: " + t.Format(time.RFC3339) + " ")
}
