package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdown ties a command to SIGINT and SIGTERM. The first signal cancels
// the command context: retry sleeps end and in-flight exchanges return.
// A second signal exits with exitInterrupted, but never while a ledger or
// metrics textfile write is running under hold.
type shutdown struct {
	logger *slog.Logger
	exit   func(code int)

	// Held for the duration of each local state write.
	writes sync.Mutex
}

// newShutdown starts watching sigCh and returns the shutdown together with
// the context it cancels. A nil sigCh subscribes to the process signals.
func newShutdown(parent context.Context, logger *slog.Logger, sigCh chan os.Signal) (*shutdown, context.Context) {
	s := &shutdown{logger: logger, exit: os.Exit}

	ctx, cancel := context.WithCancel(parent)

	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, canceling remote calls",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, exiting after pending local writes",
				slog.String("signal", sig.String()),
			)

			s.writes.Lock()
			s.exit(exitInterrupted)
		case <-parent.Done():
			return
		}
	}()

	return s, ctx
}

// hold runs fn so that a forced exit waits for it to return. A nil
// shutdown runs fn directly.
func (s *shutdown) hold(fn func() error) error {
	if s == nil {
		return fn()
	}

	s.writes.Lock()
	defer s.writes.Unlock()

	return fn()
}
