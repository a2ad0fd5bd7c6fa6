// Copyright 2026 The Blobpool Authors
// SPDX-License-Identifier: Apache-2.0

package rivet

import (
	"context"
	"sync"
	"time"

	"github.com/blobpool/blobpool/lib/blob"
	"github.com/blobpool/blobpool/lib/clock"
)

// Outcome says what a retrieval actually did.
type Outcome string

const (
	// OutcomeAdded: bytes downloaded and newly stored.
	OutcomeAdded Outcome = "added"
	// OutcomePresent: bytes downloaded, hash already in the pool,
	// download discarded.
	OutcomePresent Outcome = "present"
	// OutcomeFound: the URL pointed back at this server's own
	// content, no download at all.
	OutcomeFound Outcome = "found"
	// OutcomeCached: another caller's fetch of the same URL answered
	// this one.
	OutcomeCached Outcome = "cached"
)

// Temperature is the informational effort classification sent to the
// caller alongside the outcome. Colder means more work was done.
type Temperature string

const (
	TempFreezing Temperature = "FREEZING" // full download, new blob
	TempCold     Temperature = "COLD"     // full download, duplicate
	TempWarm     Temperature = "WARM"     // short-circuited, no download
	TempHot      Temperature = "HOT"      // answered from a settled cache entry
	TempScalding Temperature = "SCALDING" // answered by a fetch already in flight
)

func (o Outcome) temperature(waited bool) Temperature {
	switch o {
	case OutcomeAdded:
		return TempFreezing
	case OutcomePresent:
		return TempCold
	case OutcomeFound:
		return TempWarm
	default:
		if waited {
			return TempScalding
		}
		return TempHot
	}
}

const cacheTTL = 10 * time.Minute

// urlCache serializes fetches per source URL and remembers results
// for a short TTL. One entry holds both the result and its
// classification; errors are never cached, so a failed fetch lets the
// next caller try again.
type urlCache struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ready    chan struct{} // closed when the fetch settles
	hash     blob.Hash
	outcome  Outcome
	err      error
	storedAt time.Time
}

func newURLCache(clk clock.Clock) *urlCache {
	return &urlCache{clk: clk, entries: make(map[string]*cacheEntry)}
}

// do returns the cached result for url, or runs fetch exactly once
// per settled entry, no matter how many callers arrive concurrently.
// Waiters of a successful fetch see OutcomeCached; the leader sees
// the outcome fetch reported.
// sweepLocked drops every settled entry past its TTL so the map
// never grows with URLs that are requested once and forgotten.
// Callers must hold mu.
func (c *urlCache) sweepLocked(now time.Time) {
	for url, entry := range c.entries {
		select {
		case <-entry.ready:
			if now.Sub(entry.storedAt) >= cacheTTL {
				delete(c.entries, url)
			}
		default:
			// Still in flight; its fetch settles it.
		}
	}
}

func (c *urlCache) do(ctx context.Context, url string, fetch func() (blob.Hash, Outcome, error)) (blob.Hash, Outcome, Temperature, error) {
	waited := false
	for {
		c.mu.Lock()
		c.sweepLocked(c.clk.Now())
		entry, ok := c.entries[url]
		if ok {
			select {
			case <-entry.ready:
				if entry.err == nil && c.clk.Now().Sub(entry.storedAt) < cacheTTL {
					c.mu.Unlock()
					return entry.hash, OutcomeCached, OutcomeCached.temperature(waited), nil
				}
				// Settled with an error or expired: this caller
				// takes over as the new leader.
				delete(c.entries, url)
			default:
				c.mu.Unlock()
				waited = true
				select {
				case <-entry.ready:
				case <-ctx.Done():
					return blob.Hash{}, "", "", ctx.Err()
				}
				continue
			}
		}
		entry = &cacheEntry{ready: make(chan struct{})}
		c.entries[url] = entry
		c.mu.Unlock()

		entry.hash, entry.outcome, entry.err = fetch()
		entry.storedAt = c.clk.Now()
		if entry.err != nil {
			c.mu.Lock()
			delete(c.entries, url)
			c.mu.Unlock()
		}
		close(entry.ready)
		if entry.err != nil {
			return blob.Hash{}, "", "", entry.err
		}
		return entry.hash, entry.outcome, entry.outcome.temperature(waited), nil
	}
}
