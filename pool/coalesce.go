// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"sync"
)

// coalescer tracks blob writes in flight so readers of a hash that is
// currently being uploaded can wait for the write to land instead of
// seeing a not-found. Each in-flight key holds a channel that is
// closed when the write finishes, success or failure; waiters re-check
// the registry in a loop because a new write for the same key may
// start between the close and the wake-up.
type coalescer struct {
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func newCoalescer() *coalescer {
	return &coalescer{inflight: make(map[string]chan struct{})}
}

// begin registers key as in flight and returns the function that
// releases it. If another write for the same key is already in
// flight, begin waits for it first.
func (c *coalescer) begin(ctx context.Context, key string) (release func(), err error) {
	for {
		c.mu.Lock()
		ch, busy := c.inflight[key]
		if !busy {
			done := make(chan struct{})
			c.inflight[key] = done
			c.mu.Unlock()
			return func() {
				c.mu.Lock()
				delete(c.inflight, key)
				c.mu.Unlock()
				close(done)
			}, nil
		}
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// await blocks until no write for key is in flight. It reports
// whether it had to wait at all.
func (c *coalescer) await(ctx context.Context, key string) (waited bool, err error) {
	for {
		c.mu.Lock()
		ch, busy := c.inflight[key]
		c.mu.Unlock()
		if !busy {
			return waited, nil
		}
		waited = true
		select {
		case <-ch:
		case <-ctx.Done():
			return waited, ctx.Err()
		}
	}
}
