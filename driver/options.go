package driver

import (
	"github.com/riftnet/riftnet/internal/clock"
	"github.com/riftnet/riftnet/wire"
)

// Config bundles the tunables New can be customized with via Option.
type Config struct {
	Timers                wire.Timers
	Capacity              int
	EventQueueCapacity    int
	ReceiveBufferSize     int
	DynamicDataStreamSize bool
	Clock                 *clock.Source
}

func defaultConfig() Config {
	return Config{
		Timers:                wire.DefaultTimers(),
		Capacity:              64,
		EventQueueCapacity:    32,
		ReceiveBufferSize:     64 * 1024,
		DynamicDataStreamSize: true,
	}
}

// Option customizes a Driver at construction time.
type Option func(*Config)

// WithTimers overrides the state machine's attempt/liveness/heartbeat timeouts.
func WithTimers(t wire.Timers) Option {
	return func(c *Config) { c.Timers = t }
}

// WithCapacity sets the maximum number of simultaneous connection slots.
func WithCapacity(n int) Option {
	return func(c *Config) { c.Capacity = n }
}

// WithEventQueueCapacity sets the per-connection pending event FIFO depth.
func WithEventQueueCapacity(n int) Option {
	return func(c *Config) { c.EventQueueCapacity = n }
}

// WithReceiveBufferSize sets the receive data stream's starting size; dynamic
// selects doubling growth instead of a hard cap at that size.
func WithReceiveBufferSize(n int, dynamic bool) Option {
	return func(c *Config) { c.ReceiveBufferSize = n; c.DynamicDataStreamSize = dynamic }
}

// WithClock injects a virtual clock, e.g. a fixed-step one backed by
// clockwork.NewFakeClock() for deterministic tests.
func WithClock(s *clock.Source) Option {
	return func(c *Config) { c.Clock = s }
}
