package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ShutdownSignals are the signals that stop the service.
var ShutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// SetupSignalHandler returns a context cancelled on the first SIGINT or
// SIGTERM. Calling stop releases the signal handler; a second signal then
// terminates the process immediately.
func SetupSignalHandler(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, ShutdownSignals...)
}

// ReloadSignal returns a channel receiving SIGHUP, which asks the service to
// reload its configuration. Call the returned function to stop delivery.
func ReloadSignal() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch, func() { signal.Stop(ch) }
}
