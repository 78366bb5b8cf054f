package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrIdleTimeout marks a stream aborted because the upstream went silent
// longer than the between-chunk budget.
type idleTimeoutError struct {
	window time.Duration
}

func (e *idleTimeoutError) Error() string {
	return fmt.Sprintf("stream idle timeout: no data for %s", e.window)
}

func (e *idleTimeoutError) Timeout() bool { return true }

// idleTimeoutBody wraps a streaming response body, cancelling the request
// when no bytes arrive within the idle window. Closing the body releases
// the watchdog and the stream's total-timeout context.
type idleTimeoutBody struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	window time.Duration
	timer  *time.Timer

	mu    sync.Mutex
	fired bool
}

// newIdleTimeoutBody arms the watchdog; cancel must abort the in-flight
// request so a stuck Read unblocks.
func newIdleTimeoutBody(body io.ReadCloser, cancel context.CancelFunc, window time.Duration) *idleTimeoutBody {
	b := &idleTimeoutBody{body: body, cancel: cancel, window: window}
	b.timer = time.AfterFunc(window, func() {
		b.mu.Lock()
		b.fired = true
		b.mu.Unlock()
		cancel()
	})
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.mu.Lock()
		if !b.fired {
			b.timer.Reset(b.window)
		}
		b.mu.Unlock()
	}
	if err != nil {
		b.mu.Lock()
		fired := b.fired
		b.mu.Unlock()
		if fired && err != io.EOF {
			return n, &idleTimeoutError{window: b.window}
		}
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.body.Close()
}
