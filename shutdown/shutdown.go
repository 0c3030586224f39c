package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Context is cancelled by the first interrupt. A second interrupt calls
// force, which normally exits the process.
func Context(parent context.Context, onSignal func(os.Signal), force func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, signals...)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			if onSignal != nil {
				onSignal(sig)
			}
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case <-sigs:
			if force != nil {
				force()
			}
		case <-parent.Done():
		}
	}()
	return ctx, cancel
}
