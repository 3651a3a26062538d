//go:build !windows

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

// controlSignals maps operator commands onto the signals run listens for.
var controlSignals = map[string]syscall.Signal{
	"stop":    syscall.SIGTERM,
	"restart": syscall.SIGHUP,
	"reset":   syscall.SIGUSR1,
}

func controlSignal(action string) (syscall.Signal, error) {
	sig, ok := controlSignals[action]
	if !ok {
		return 0, fmt.Errorf("unknown action %q", action)
	}
	return sig, nil
}

// handleSignals forwards process signals to sup until ctx ends. The returned
// function stops delivery.
func handleSignals(ctx context.Context, sup *supervisor.Supervisor, log *slog.Logger) func() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case sig := <-ch:
				log.Info("signal received", "signal", sig.String())
				var err error
				switch sig {
				case syscall.SIGHUP:
					err = sup.Restart()
				case syscall.SIGUSR1:
					err = sup.ResetHistory()
				default:
					err = sup.Stop()
				}
				if err != nil {
					log.Warn("signal not applied", "signal", sig.String(), "error", err)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
