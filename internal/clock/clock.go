// Package clock provides the virtual time source ScheduleUpdate advances by
// each tick: either a fixed per-tick increment (deterministic tests) or real
// wall-clock delta, both riding on clockwork.Clock so tests can also freeze
// or fast-forward time directly.
package clock

import (
	"github.com/jonboulle/clockwork"
)

// Source advances a monotonic millisecond counter used throughout the
// connection table for timer comparisons.
type Source struct {
	clock        clockwork.Clock
	fixedFrameMS int64 // 0 means "use wall-clock delta"
	lastRealMS   int64
	nowMS        int64
}

// NewRealtime ticks off the real wall clock, measuring the delta between
// successive Advance calls.
func NewRealtime() *Source {
	c := clockwork.NewRealClock()
	return &Source{clock: c, lastRealMS: c.Now().UnixMilli()}
}

// NewFixedStep ticks by exactly frameTimeMS every Advance call, for
// deterministic tests that don't want to depend on wall-clock jitter.
func NewFixedStep(clk clockwork.Clock, frameTimeMS int64) *Source {
	if clk == nil {
		clk = clockwork.NewFakeClock()
	}
	return &Source{clock: clk, fixedFrameMS: frameTimeMS}
}

// Advance moves the virtual clock forward one tick and returns the new
// value in virtual milliseconds.
func (s *Source) Advance() int64 {
	if s.fixedFrameMS > 0 {
		s.nowMS += s.fixedFrameMS
		return s.nowMS
	}
	nowReal := s.clock.Now().UnixMilli()
	delta := nowReal - s.lastRealMS
	if delta < 0 {
		delta = 0
	}
	s.lastRealMS = nowReal
	s.nowMS += delta
	return s.nowMS
}

// NowMS returns the current virtual clock value without advancing it.
func (s *Source) NowMS() int64 {
	return s.nowMS
}

// Underlying exposes the wrapped clockwork.Clock, e.g. for a test to call
// Advance(time.Duration) on a FakeClock directly.
func (s *Source) Underlying() clockwork.Clock {
	return s.clock
}
