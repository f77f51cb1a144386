// Package unblock bounds the amount of CPU-heavy work (key derivation,
// key wrapping, entry field encryption) running at once, so bursts of
// crypto cannot starve concurrent database I/O.
package unblock

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

var workers = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))

// Do runs fn once a worker slot is available and returns its error.
// Waiting for a slot is cancellable through ctx.
func Do(ctx context.Context, fn func() error) error {
	if err := workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer workers.Release(1)
	return fn()
}
