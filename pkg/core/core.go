// Package core wires the interception layer together and owns its
// lifecycle: one-time startup before the host program's own initialization
// runs, and best-effort teardown when the process is on its way out.
package core

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core/client"
	"github.com/RustWorks/mirrord/pkg/core/diag"
	"github.com/RustWorks/mirrord/pkg/core/fd"
	"github.com/RustWorks/mirrord/pkg/core/file"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/pkg/core/outgoing"
	"github.com/RustWorks/mirrord/pkg/core/resolve"
	"github.com/RustWorks/mirrord/utils"
)

// Layer is the assembled interception layer. One instance per process.
type Layer struct {
	logger *zap.Logger
	cfg    *config.Config

	registry   *hooks.Registry
	dispatcher *hooks.Dispatcher
	table      *fd.Table
	client     *client.Client
	override   *resolve.Override
	forwarder  *resolve.Forwarder
	diagSink   *diag.Sink

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

func New(logger *zap.Logger, cfg *config.Config) *Layer {
	return &Layer{
		logger: logger,
		cfg:    cfg,
	}
}

// Start brings the layer up: diagnostics, control channel, handlers, and
// finally hook installation. It runs exactly once; a failure anywhere is
// returned to the caller, which must abort injection.
//
// Start must complete before any application thread beyond the main one
// exists; the injected entry point guarantees that ordering.
func (l *Layer) Start(ctx context.Context, installer hooks.Installer) error {
	l.startOnce.Do(func() {
		l.startErr = l.start(ctx, installer)
	})
	return l.startErr
}

func (l *Layer) start(ctx context.Context, installer hooks.Installer) error {
	level := zapcore.InfoLevel
	if l.cfg.Debug {
		level = zapcore.DebugLevel
	}
	diagCore, sink, err := diag.NewCore(l.cfg.DiagAddr, level)
	if err != nil {
		// Best effort by contract; the file logger still works.
		utils.LogError(l.logger, err, "diagnostics collector unreachable",
			zap.String("addr", l.cfg.DiagAddr))
	}
	l.diagSink = sink
	l.logger = diag.Attach(l.logger, diagCore)

	orig := hooks.NewOSPassthrough()
	l.registry = hooks.NewRegistry(l.logger, installer)
	l.dispatcher = hooks.NewDispatcher(l.logger, l.registry, orig)
	l.table = fd.NewTable(l.logger, nil)

	// The socket handler doubles as the channel's notification sink, so
	// it is built first and receives the client right after the dial.
	socketHandler := outgoing.NewHandler(l.logger, l.table, nil, l.cfg.Outgoing, orig)

	// Everything the layer does internally runs under the bypass marker:
	// its own socket work must reach the original implementations, never
	// re-enter the hooks.
	cl, err := client.Dial(hooks.WithBypass(ctx), l.logger, l.cfg.ProxyAddr, socketHandler, client.Options{
		Fatal: l.fatalProtocolViolation,
	})
	if err != nil {
		return fmt.Errorf("failed to establish the control channel: %w", err)
	}
	l.client = cl
	socketHandler.SetClient(cl)

	override, err := resolve.NewOverride(l.logger, cl, l.cfg.DNS)
	if err != nil {
		cl.Close()
		return fmt.Errorf("failed to initialize the resolver override: %w", err)
	}
	l.override = override

	fileHandler := file.NewHandler(l.logger, l.table, cl, l.cfg.FS)

	l.dispatcher.SetHandlers(socketHandler, fileHandler, override)

	// Hooks go in last: from the first patched symbol onward every call
	// must already have somewhere correct to land.
	if err := l.registry.Install(ctx); err != nil {
		cl.Close()
		return err
	}

	if l.cfg.DNS.RewriteResolvConf && l.cfg.DNS.ServerAddr != "" {
		// Runtimes that read resolv.conf and speak DNS themselves never
		// hit the getaddrinfo hook. The forwarder catches them; if it
		// cannot start, resolv.conf stays untouched and only those
		// resolvers slip past.
		fwd := resolve.NewForwarder(l.logger, override)
		if err := fwd.Start(hooks.WithBypass(ctx), l.cfg.DNS.ServerAddr); err != nil {
			utils.LogError(l.logger, err, "failed to start the dns endpoint")
		} else {
			l.forwarder = fwd
			if err := override.EnableRewrite(l.cfg.DNS.ServerAddr); err != nil {
				utils.LogError(l.logger, err, "failed to rewrite resolver configuration")
			}
		}
	}

	go func() {
		defer utils.Recover(l.logger)
		<-ctx.Done()
		l.Stop()
	}()

	l.logger.Info("interception layer started",
		zap.String("proxy", l.cfg.ProxyAddr),
		zap.String("session", cl.Session()))
	return nil
}

// Dispatcher exposes the routing surface the injected entry shims call.
func (l *Layer) Dispatcher() *hooks.Dispatcher {
	return l.dispatcher
}

// Stop tears the layer down, best effort and without blocking on the
// proxy. Outstanding remote calls are abandoned; the process's exit is
// never delayed on remote state.
func (l *Layer) Stop() {
	l.stopOnce.Do(func() {
		if l.registry != nil {
			l.registry.Uninstall()
		}
		if l.override != nil {
			l.override.Teardown()
		}
		if l.forwarder != nil {
			l.forwarder.Stop()
		}
		if l.table != nil {
			l.table.Sweep(func(rec *fd.Record) {
				l.logger.Debug("abandoning managed descriptor",
					zap.Int("fd", rec.FD),
					zap.String("state", rec.State().String()))
			})
		}
		if l.client != nil {
			l.client.Close()
		}
		l.diagSink.Close()
		l.logger.Info("interception layer stopped")
	})
}

// fatalProtocolViolation handles corruption on the control channel. The
// correlation state cannot be trusted afterwards, so the whole process
// goes down; limping along would corrupt unrelated calls silently.
func (l *Layer) fatalProtocolViolation(err error) {
	l.logger.Fatal("aborting: control channel state is corrupted", zap.Error(err))
}
