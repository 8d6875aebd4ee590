package usb

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// Sleep blocks for d using unix.Nanosleep, restarting across EINTR the way
// a real interruptible wait is supposed to behave, or returns ctx.Err() if
// ctx is cancelled first. Cancellation cannot interrupt an in-flight
// nanosleep syscall, so on cancellation Sleep returns immediately without
// waiting for the background sleep to finish; the goroutine it started
// exits on its own once the syscall returns.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		remaining := unix.NsecToTimespec(d.Nanoseconds())
		for {
			var rem unix.Timespec
			err := unix.Nanosleep(&remaining, &rem)
			if err == unix.EINTR {
				remaining = rem
				continue
			}
			return
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
