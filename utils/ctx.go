package utils

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NewCtx returns the root context for the layer. It is canceled when the
// host process receives a termination signal, so outstanding remote calls
// are abandoned instead of delaying process exit.
func NewCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 1)
	// os.Interrupt is more portable than syscall.SIGINT
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigs
		cancel()
	}()

	return ctx
}
