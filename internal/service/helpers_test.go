package service

import (
	"sync"
	"time"

	"github.com/dmaksimov/driftsync/internal/clock"
)

// testClock is a settable clock for deterministic backoff/expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock { return &testClock{now: start} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *testClock) NewTicker(time.Duration) clock.Ticker { return nopTicker{} }

type nopTicker struct{}

func (nopTicker) C() <-chan time.Time { return nil }
func (nopTicker) Stop()               {}
