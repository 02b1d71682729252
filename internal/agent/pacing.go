package agent

import (
	"context"
	"time"

	"github.com/markus-barta/fleetplane/internal/retry"
)

// waitForAttempt blocks until m allows the next attempt. While m is fatal it
// waits for a wake signal. It returns false once ctx is done.
func waitForAttempt(ctx context.Context, m *retry.Manager, wake <-chan struct{}) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		wait, ok := m.UntilNextAttempt()
		if !ok {
			select {
			case <-ctx.Done():
				return false
			case <-wake:
				continue
			}
		}
		if wait <= 0 && m.ShouldAttemptHeartbeat() {
			return true
		}
		if !sleep(ctx, wait, wake) {
			return false
		}
	}
}

// sleep waits for d, an early wake signal, or ctx. It returns false once ctx
// is done.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
	}
	return true
}

// notify sends a non-blocking wake signal.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
