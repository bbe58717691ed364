// Package pipeline implements the composable per-connection send/receive
// stage chain: header reservation, per-stage scratch regions, and the
// Requests out-parameter contract stages use to ask the driver for a resend,
// a bare service tick, or a connection-fault drop. It generalizes the
// teacher's single hardwired reliability layer (Session's SendQueue /
// RecoveryQueue / ACKQueue / ChannelOrderIndex cluster in
// source/protocol/raknet.go) into an ordered list of independently
// pluggable Stage implementations.
package pipeline

import "github.com/pkg/errors"

// RequestFlag is a bitmask of what a stage asked the driver to do after a
// Send or Receive call.
type RequestFlag uint8

const (
	// RequestResend asks the driver to re-emit a previously sent buffer the
	// stage reconstructed from its own scratch (e.g. ACK/NACK-triggered
	// retransmission).
	RequestResend RequestFlag = 1 << iota
	// RequestUpdate asks the driver to re-invoke this stage's Send during
	// the timer-service phase even though no new payload arrived, so a
	// stage can flush queued control data (e.g. accumulated ACKs).
	RequestUpdate
	// RequestError asks the driver to drop the buffer and mark the owning
	// connection faulty.
	RequestError
	// RequestDuplicate marks a dropped Receive as an exact replay rather than
	// an out-of-order arrival, so the driver counts it as a duplicate instead
	// of a reorder.
	RequestDuplicate
	// RequestConsumed marks a dropped Receive as control traffic the stage
	// fully consumed (an ACK/NACK frame, a buffered fragment), not a lost or
	// duplicated payload.
	RequestConsumed
)

// Requests is the out-parameter stages use to signal driver-level actions.
// Buffers is only meaningful alongside RequestResend: each entry is
// re-emitted as its own datagram.
type Requests struct {
	Flags   RequestFlag
	Buffers [][]byte
}

// Has reports whether flag is set.
func (r Requests) Has(flag RequestFlag) bool {
	return r.Flags&flag != 0
}

// Capacities is the static capacity query every Stage must answer so the
// pipeline can size contiguous per-connection scratch storage up front.
type Capacities struct {
	ReceiveScratch int
	SendScratch    int
	HeaderReserve  int
	SharedScratch  int
}

// Stage is one link of a pipeline. InitializeConnection is called once, when
// a connection enters Connected and its scratch regions are allocated. Send
// runs stage N-1 -> stage 0 (innermost stage, closest to the payload, first);
// Receive runs stage 0 -> stage N-1 (outermost header stripped first).
type Stage interface {
	Name() string
	Capacities() Capacities
	InitializeConnection(scratch *Scratch)
	// Send may prepend into buf's reserved header region (see Scratch.Header)
	// and/or read/write its own Send scratch. It returns the (possibly
	// header-extended) buffer to pass to the next stage outward, or ok=false
	// to abort the send entirely.
	Send(scratch *Scratch, buf []byte, reqs *Requests) (out []byte, ok bool)
	// Receive may strip bytes from the front of buf and/or read/write its
	// own Receive scratch. It returns the remaining buffer to pass to the
	// next stage inward, or ok=false to drop the datagram.
	Receive(scratch *Scratch, buf []byte, reqs *Requests) (out []byte, ok bool)
}

// Scratch is one stage's exclusive per-connection storage, carved out of the
// connection's single contiguous allocation at InitializeConnection time.
type Scratch struct {
	Send   []byte
	Recv   []byte
	Shared []byte
	Header []byte // this stage's slice of the aggregate header reserve
}

// Pipeline is an ordered stage chain plus the per-connection scratch layout
// derived from each stage's Capacities().
type Pipeline struct {
	stages        []Stage
	headerReserve int
	perConnBytes  int
	offsets       []layoutOffsets
}

type layoutOffsets struct {
	sendOff, sendLen     int
	recvOff, recvLen     int
	sharedOff, sharedLen int
	headerOff, headerLen int
}

// New builds a pipeline from stages in outermost..innermost order, i.e. the
// order Receive visits them and the reverse of the order Send visits them
// (stage 0 is closest to the wire, stage N-1 closest to the application
// payload) — matching the
// spec's "stage N-1 -> stage 0" Send direction and "stage 0 -> stage N-1"
// Receive direction when stages are indexed 0..N-1 in this slice.
func New(stages ...Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage required")
	}
	p := &Pipeline{stages: stages}
	offsets := make([]layoutOffsets, len(stages))
	cursor := 0
	headerCursor := 0
	for i, s := range stages {
		c := s.Capacities()
		offsets[i].sendOff, offsets[i].sendLen = cursor, c.SendScratch
		cursor += c.SendScratch
		offsets[i].recvOff, offsets[i].recvLen = cursor, c.ReceiveScratch
		cursor += c.ReceiveScratch
		offsets[i].sharedOff, offsets[i].sharedLen = cursor, c.SharedScratch
		cursor += c.SharedScratch
		offsets[i].headerOff, offsets[i].headerLen = headerCursor, c.HeaderReserve
		headerCursor += c.HeaderReserve
	}
	p.offsets = offsets
	p.perConnBytes = cursor
	p.headerReserve = headerCursor
	return p, nil
}

// HeaderReserve is the aggregate header byte count every outbound buffer
// must reserve at its front before this pipeline's Send phase runs.
func (p *Pipeline) HeaderReserve() int {
	return p.headerReserve
}

// NewConnectionStorage allocates one connection's backing scratch buffer and
// slices it per stage, invoking each stage's InitializeConnection.
func (p *Pipeline) NewConnectionStorage() []*Scratch {
	backing := make([]byte, p.perConnBytes)
	headerBacking := make([]byte, p.headerReserve)
	scratches := make([]*Scratch, len(p.stages))
	for i, off := range p.offsets {
		sc := &Scratch{
			Send:   backing[off.sendOff : off.sendOff+off.sendLen],
			Recv:   backing[off.recvOff : off.recvOff+off.recvLen],
			Shared: backing[off.sharedOff : off.sharedOff+off.sharedLen],
			Header: headerBacking[off.headerOff : off.headerOff+off.headerLen],
		}
		scratches[i] = sc
		p.stages[i].InitializeConnection(sc)
	}
	return scratches
}

// Send runs the chain stage N-1 -> stage 0, collecting any Requests raised
// along the way (a later, more-outer stage's Requests do not overwrite an
// earlier RequestError).
func (p *Pipeline) Send(scratches []*Scratch, buf []byte) ([]byte, Requests, bool) {
	var all Requests
	for i := len(p.stages) - 1; i >= 0; i-- {
		var reqs Requests
		out, ok := p.stages[i].Send(scratches[i], buf, &reqs)
		all.Flags |= reqs.Flags
		all.Buffers = append(all.Buffers, reqs.Buffers...)
		if !ok {
			return nil, all, false
		}
		buf = out
	}
	return buf, all, true
}

// Receive runs the chain stage 0 -> stage N-1.
func (p *Pipeline) Receive(scratches []*Scratch, buf []byte) ([]byte, Requests, bool) {
	var all Requests
	for i := 0; i < len(p.stages); i++ {
		var reqs Requests
		out, ok := p.stages[i].Receive(scratches[i], buf, &reqs)
		all.Flags |= reqs.Flags
		all.Buffers = append(all.Buffers, reqs.Buffers...)
		if !ok {
			return nil, all, false
		}
		buf = out
	}
	return buf, all, true
}

// Stages exposes the underlying chain, e.g. so the driver can find stages
// that implement optional interfaces such as Drainer.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Drainer is implemented by a stage that can hold payloads back pending
// reordering and later surface them once they turn contiguous (e.g. a
// reliability stage's reorder buffer).
type Drainer interface {
	Drain(scratch *Scratch) [][]byte
}

// DrainReady collects payloads stages held back for reordering that have
// since become deliverable, passing each through the remainder of the
// receive chain so inner stages still see them in order. Called by the
// driver after any receive that delivered a payload, since that is the only
// point a reorder gap can close.
func (p *Pipeline) DrainReady(scratches []*Scratch) [][]byte {
	var out [][]byte
	for i, s := range p.stages {
		dr, ok := s.(Drainer)
		if !ok {
			continue
		}
		for _, held := range dr.Drain(scratches[i]) {
			buf := held
			delivered := true
			for j := i + 1; j < len(p.stages); j++ {
				var reqs Requests
				next, ok := p.stages[j].Receive(scratches[j], buf, &reqs)
				if !ok {
					delivered = false
					break
				}
				buf = next
			}
			if delivered {
				out = append(out, buf)
			}
		}
	}
	return out
}

// Splitter is implemented by a stage that can fan an oversize, already
// pipeline-encoded outbound buffer into multiple wire-sized chunks, with
// reassembly happening inside that same stage's ordinary Receive method.
// Declared here rather than imported from a concrete stage package (e.g.
// pipeline/fragment) so the runtime stays independent of any one stage
// implementation.
type Splitter interface {
	Split(payload []byte) [][]byte
}

// Splitter returns the first stage in the chain implementing Splitter, if
// any, so the driver can fan an oversize Send across multiple datagrams
// instead of rejecting it outright.
func (p *Pipeline) Splitter() (Splitter, bool) {
	for _, s := range p.stages {
		if sp, ok := s.(Splitter); ok {
			return sp, true
		}
	}
	return nil, false
}
