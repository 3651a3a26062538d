//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/guardr/internal/supervisor"
)

// Windows has no SIGHUP or SIGUSR1; only stop can be delivered.
func controlSignal(action string) (syscall.Signal, error) {
	if action == "stop" {
		return syscall.SIGTERM, nil
	}
	return 0, fmt.Errorf("%s is not supported on windows", action)
}

func handleSignals(ctx context.Context, sup *supervisor.Supervisor, log *slog.Logger) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		case <-ch:
			log.Info("interrupt received")
			if err := sup.Stop(); err != nil {
				log.Warn("stop failed", "error", err)
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
