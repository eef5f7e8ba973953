// Package perfstats measures how long things take, and how often they happen
package perfstats

import "time"

// Accumulate samples of how long something took
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}

// RateMeter measures events per second, over consecutive windows.
// The rate is updated at the end of each window, so it lags by up to one window.
type RateMeter struct {
	Window time.Duration

	windowStart time.Time
	count       int
	rate        float64
}

func NewRateMeter(window time.Duration) RateMeter {
	return RateMeter{Window: window}
}

// Tick records one event
func (r *RateMeter) Tick(now time.Time) {
	if r.windowStart.IsZero() {
		r.windowStart = now
	}
	r.count++
	elapsed := now.Sub(r.windowStart)
	if elapsed >= r.Window && elapsed > 0 {
		r.rate = float64(r.count) / elapsed.Seconds()
		r.count = 0
		r.windowStart = now
	}
}

// Rate is the number of events per second in the most recently completed window
func (r *RateMeter) Rate() float64 {
	return r.rate
}
