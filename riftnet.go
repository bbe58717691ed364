// Package riftnet is the top-level façade over the driver/transport/pipeline
// layers: a Driver bound to one transport.Interface and one pipeline, built
// through functional options the way the teacher's sibling libraries in the
// retrieval pack configure transports (no options type of its own in the
// teacher, adopted from the rest of the pack per the expanded spec).
package riftnet

import (
	"github.com/riftnet/riftnet/codec"
	"github.com/riftnet/riftnet/driver"
	"github.com/riftnet/riftnet/events"
	"github.com/riftnet/riftnet/internal/clock"
	"github.com/riftnet/riftnet/pipeline"
	"github.com/riftnet/riftnet/transport"
	"github.com/riftnet/riftnet/wire"
)

// Option customizes a Driver at construction time; an alias of driver.Option
// so callers never need to import the driver package directly.
type Option = driver.Option

// WithTimers overrides the state machine's attempt/liveness/heartbeat timeouts.
func WithTimers(t wire.Timers) Option { return driver.WithTimers(t) }

// WithCapacity sets the maximum number of simultaneous connection slots.
func WithCapacity(n int) Option { return driver.WithCapacity(n) }

// WithEventQueueCapacity sets the per-connection pending event FIFO depth.
func WithEventQueueCapacity(n int) Option { return driver.WithEventQueueCapacity(n) }

// WithReceiveBufferSize sets the receive data stream's starting size; dynamic
// selects doubling growth instead of a hard cap at that size.
func WithReceiveBufferSize(n int, dynamic bool) Option {
	return driver.WithReceiveBufferSize(n, dynamic)
}

// WithClock injects a virtual clock, e.g. a fixed-step one for deterministic
// tests.
func WithClock(c *clock.Source) Option { return driver.WithClock(c) }

// Driver is the public connection-oriented transport: bind/listen/connect on
// one side, Accept on the other, BeginSend/EndSend for payloads, PopEvent/
// PopEventForConnection to drain lifecycle and data events, ScheduleUpdate to
// drive one cooperative tick.
type Driver struct {
	*driver.Driver
}

// New wires iface (udpiface.New() for real UDP, ipcbus.New(name) for
// same-process tests) to pl (pipeline.New(pipeline.Null{}) for the
// zero-overhead default, or a chain of reliability stages) and applies opts.
func New(iface transport.Interface, pl *pipeline.Pipeline, opts ...Option) *Driver {
	return &Driver{Driver: driver.New(iface, pl, opts...)}
}

// Re-exported so callers of this package never need to import events/codec/
// pipeline directly for the common path. ConnectionHandle itself lives in
// handle.go, aliased straight from driver.Handle.
type (
	EventType        = events.Type
	DisconnectReason = events.DisconnectReason
	Reader           = codec.Reader
	Writer           = codec.Writer
	Pipeline         = pipeline.Pipeline
)

const (
	EventEmpty      = events.Empty
	EventData       = events.Data
	EventConnect    = events.Connect
	EventDisconnect = events.Disconnect
)

const (
	ReasonNone              = events.ReasonNone
	ReasonClosedByLocal     = events.ReasonClosedByLocal
	ReasonClosedByRemote    = events.ReasonClosedByRemote
	ReasonTimeout           = events.ReasonTimeout
	ReasonConnectionTimeout = events.ReasonConnectionTimeout
	ReasonPeerRestart       = events.ReasonPeerRestart
	ReasonPipelineFault     = events.ReasonPipelineFault
)
