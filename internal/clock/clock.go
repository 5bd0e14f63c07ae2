// Package clock abstracts time so backoff, expiry and sweep scheduling are
// deterministic under test.
package clock

import "time"

// Clock supplies current time and tickers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker returns a ticker firing at the given interval.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal ticker surface the orchestrator needs.
type Ticker interface {
	// C returns the tick channel.
	C() <-chan time.Time
	// Stop releases the ticker's resources.
	Stop()
}

// System is the wall-clock implementation.
type System struct{}

// Now returns time.Now().
func (System) Now() time.Time { return time.Now() }

// NewTicker returns a real time.Ticker.
func (System) NewTicker(d time.Duration) Ticker {
	return systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }
