// Package conntable owns the fixed-capacity slot table of live virtual
// connections: allocation, generation counters, per-slot liveness state, and
// the protocol bookkeeping each connection's pipeline stages need between
// ticks. It generalizes the teacher's per-socket Session record
// (source/protocol/raknet.go, type Session) from a single always-on
// handshake state machine into one record per pooled slot, addressed by a
// driver.Handle instead of a live *Session pointer.
package conntable

import (
	"net"

	"github.com/riftnet/riftnet/events"
	"github.com/riftnet/riftnet/pipeline"
	"github.com/riftnet/riftnet/wire"
)

// Record holds everything owned about one virtual connection. Fields are
// only ever touched from the single-threaded driver loop, mirroring the
// teacher's "Session fields protected by Mu" comment but without needing a
// mutex: there is exactly one goroutine driving ScheduleUpdate.
type Record struct {
	Slot       int32
	Generation int32

	Addr  net.Addr
	State wire.State

	// Handshake bookkeeping (Connecting / AwaitingResponse).
	Token           uint16
	ConnectAttempts uint16
	LastAttemptMS   int64

	// Liveness.
	LastReceiveMS int64
	LastSendMS    int64

	// PipelineScratch is this connection's per-stage scratch storage,
	// allocated by pipeline.Pipeline.NewConnectionStorage once the record
	// enters Connected.
	PipelineScratch []*pipeline.Scratch

	// PipelineUpdatePending is set when a stage raised RequestUpdate during
	// Send or Receive, asking the driver to re-invoke the pipeline's Send
	// during the next timer-service pass with no new payload (e.g. to flush
	// accumulated ACKs) even though nothing new arrived from the user.
	PipelineUpdatePending bool

	// Drop counters surfaced for observability, grounded on the teacher's
	// duplicate/out-of-order log lines in Session.HandleDataPacket.
	DuplicateCount uint64
	ReorderedCount uint64

	Listening        bool // false for the connecting side (client), true for Listen-accepted slots
	DisconnectReason events.DisconnectReason
}

func newRecord(slot int32) *Record {
	return &Record{
		Slot:  slot,
		State: wire.Empty,
	}
}

// reset clears a record for reuse, keeping Slot and bumping Generation is the
// caller's (Table's) job since Generation lives independent of the record
// body during the empty/unallocated interim.
func (r *Record) reset() {
	r.Addr = nil
	r.State = wire.Empty
	r.Token = 0
	r.ConnectAttempts = 0
	r.LastAttemptMS = 0
	r.LastReceiveMS = 0
	r.LastSendMS = 0
	r.PipelineScratch = nil
	r.PipelineUpdatePending = false
	r.DuplicateCount = 0
	r.ReorderedCount = 0
	r.Listening = false
	r.DisconnectReason = events.ReasonNone
}
