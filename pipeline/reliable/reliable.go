// Package reliable implements ACK/NACK-driven guaranteed, ordered delivery,
// porting the teacher's Session.SendQueue/RecoveryQueue/ACKQueue/NACKQueue/
// ChannelOrderIndex cluster and its AddToQueue/Update/HandleDataPacket/
// HandleACK/HandleNACK methods (source/protocol/raknet.go) into the pipeline
// runtime's Stage contract: a dropped datagram is retransmitted from a copy
// the sender keeps in its per-connection bookkeeping (connState.sent) rather
// than the teacher's always-on single reliability layer.
package reliable

import (
	"encoding/binary"

	"github.com/riftnet/riftnet/pipeline"
)

// Frame kinds, first header byte of every datagram this stage emits. Data
// frames carry user payload; control frames carry the ACK/NACK sequence
// lists and are consumed inside Receive, never delivered upward.
const (
	frameData    byte = 0
	frameControl byte = 1
)

const headerLen = 1 + 4 + 1 + 4 // kind, sequence, channel, order index

// connState is this stage's bookkeeping for one connection. It lives outside
// Scratch (a plain byte region) because the ack/nack/reorder bookkeeping is
// naturally map-shaped, matching how the teacher kept it directly as Go maps
// on Session rather than serialized into a byte buffer.
type connState struct {
	nextSendSeq uint32
	nextOrder   map[uint8]uint32

	sent map[uint32][]byte // sequence -> full data frame, for resend on NACK

	nextRecvSeq   uint32 // lowest sequence not yet seen, drives NACK gap detection
	expectedOrder map[uint8]uint32
	buffered      map[uint8]map[uint32][]byte // channel -> order index -> payload, held for reordering

	pendingACKs  []uint32
	pendingNACKs []uint32
}

func newConnState() *connState {
	return &connState{
		nextOrder:     make(map[uint8]uint32),
		sent:          make(map[uint32][]byte),
		expectedOrder: make(map[uint8]uint32),
		buffered:      make(map[uint8]map[uint32][]byte),
	}
}

// Stage is a reliable-ordered pipeline.Stage. Channel defaults to 0; callers
// needing multiple independent order streams construct one Stage per
// channel id.
type Stage struct {
	Channel uint8

	byScratch map[*pipeline.Scratch]*connState
}

var (
	_ pipeline.Stage   = (*Stage)(nil)
	_ pipeline.Drainer = (*Stage)(nil)
)

func New(channel uint8) *Stage {
	return &Stage{Channel: channel, byScratch: make(map[*pipeline.Scratch]*connState)}
}

func (*Stage) Name() string { return "reliable" }

func (*Stage) Capacities() pipeline.Capacities {
	return pipeline.Capacities{HeaderReserve: headerLen}
}

func (s *Stage) InitializeConnection(scratch *pipeline.Scratch) {
	s.byScratch[scratch] = newConnState()
}

func (s *Stage) state(scratch *pipeline.Scratch) *connState {
	cs, ok := s.byScratch[scratch]
	if !ok {
		cs = newConnState()
		s.byScratch[scratch] = cs
	}
	return cs
}

// Send stamps buf with a fresh sequence number and this channel's next order
// index, and records the outbound frame so a later NACK can trigger a resend
// via Requests. A nil buf is the service-phase flush the stage requested via
// RequestUpdate: it drains the pending ACK/NACK lists into a control frame,
// or aborts if there is nothing to flush.
func (s *Stage) Send(scratch *pipeline.Scratch, buf []byte, _ *pipeline.Requests) ([]byte, bool) {
	cs := s.state(scratch)
	if buf == nil {
		if len(cs.pendingACKs) == 0 && len(cs.pendingNACKs) == 0 {
			return nil, false
		}
		frame := encodeControl(cs.pendingACKs, cs.pendingNACKs)
		cs.pendingACKs = nil
		cs.pendingNACKs = nil
		return frame, true
	}

	if len(scratch.Header) < headerLen {
		return nil, false
	}
	seq := cs.nextSendSeq
	cs.nextSendSeq++
	order := cs.nextOrder[s.Channel]
	cs.nextOrder[s.Channel] = order + 1

	hdr := scratch.Header[:headerLen]
	hdr[0] = frameData
	binary.LittleEndian.PutUint32(hdr[1:], seq)
	hdr[5] = s.Channel
	binary.LittleEndian.PutUint32(hdr[6:], order)

	out := append(append([]byte{}, hdr...), buf...)
	cs.sent[seq] = append([]byte{}, out...)
	return out, true
}

// Receive dispatches on the frame kind: control frames apply their ACK/NACK
// lists (surfacing any resends through Requests) and are consumed; data
// frames go through duplicate/reorder detection against this channel's
// expected order index, buffering out-of-order arrivals until the gap is
// filled. Every received data sequence is queued for ACK, and a sequence gap
// queues NACKs for the missing range.
func (s *Stage) Receive(scratch *pipeline.Scratch, buf []byte, reqs *pipeline.Requests) ([]byte, bool) {
	if len(buf) < 1 {
		return nil, false
	}
	cs := s.state(scratch)

	if buf[0] == frameControl {
		acks, nacks, ok := decodeControl(buf)
		if !ok {
			return nil, false
		}
		s.ApplyACK(scratch, acks)
		if resends := s.ApplyNACK(scratch, nacks); len(resends) > 0 {
			reqs.Flags |= pipeline.RequestResend
			reqs.Buffers = append(reqs.Buffers, resends...)
		}
		reqs.Flags |= pipeline.RequestConsumed
		return nil, false
	}

	if len(buf) < headerLen {
		return nil, false
	}
	seq := binary.LittleEndian.Uint32(buf[1:])
	channel := buf[5]
	order := binary.LittleEndian.Uint32(buf[6:])
	payload := append([]byte{}, buf[headerLen:]...)

	cs.noteReceivedSeq(seq)
	reqs.Flags |= pipeline.RequestUpdate

	expected := cs.expectedOrder[channel]
	if order < expected {
		reqs.Flags |= pipeline.RequestDuplicate
		return nil, false // duplicate
	}
	if order > expected {
		if cs.buffered[channel] == nil {
			cs.buffered[channel] = make(map[uint32][]byte)
		}
		cs.buffered[channel][order] = payload
		reqs.Flags |= pipeline.RequestConsumed
		return nil, false // held pending the gap filling
	}

	// In order: accept and return this payload only. Buffered successors
	// made deliverable by this arrival stay buffered here; the caller
	// collects them through Drain.
	cs.expectedOrder[channel] = order + 1
	return payload, true
}

// noteReceivedSeq queues seq for acknowledgment and, when it skips ahead of
// the contiguous receive window, queues a NACK for every missed sequence. A
// sequence arriving after its NACK was queued (but before the flush) clears
// the now-stale NACK.
func (cs *connState) noteReceivedSeq(seq uint32) {
	cs.pendingACKs = append(cs.pendingACKs, seq)
	if seq >= cs.nextRecvSeq {
		for missing := cs.nextRecvSeq; missing < seq; missing++ {
			cs.pendingNACKs = append(cs.pendingNACKs, missing)
		}
		cs.nextRecvSeq = seq + 1
		return
	}
	for i, nacked := range cs.pendingNACKs {
		if nacked == seq {
			cs.pendingNACKs = append(cs.pendingNACKs[:i], cs.pendingNACKs[i+1:]...)
			break
		}
	}
}

// Drain surfaces this channel's buffered payloads that have become
// contiguous, satisfying the pipeline runtime's Drainer contract for the
// driver's post-delivery sweep.
func (s *Stage) Drain(scratch *pipeline.Scratch) [][]byte {
	return s.DrainOrdered(scratch, s.Channel)
}

// DrainOrdered returns, in order, any buffered payloads on channel that are
// now contiguous with the expected order index, advancing it as it goes.
func (s *Stage) DrainOrdered(scratch *pipeline.Scratch, channel uint8) [][]byte {
	cs := s.state(scratch)
	var out [][]byte
	for {
		expected := cs.expectedOrder[channel]
		held, ok := cs.buffered[channel][expected]
		if !ok {
			break
		}
		out = append(out, held)
		delete(cs.buffered[channel], expected)
		cs.expectedOrder[channel] = expected + 1
	}
	return out
}

// ApplyACK removes every acknowledged sequence from the resend set.
func (s *Stage) ApplyACK(scratch *pipeline.Scratch, sequences []uint32) {
	cs := s.state(scratch)
	for _, seq := range sequences {
		delete(cs.sent, seq)
	}
}

// ApplyNACK looks up each sequence's recorded outbound frame and returns the
// ones still on hand for resend.
func (s *Stage) ApplyNACK(scratch *pipeline.Scratch, sequences []uint32) [][]byte {
	cs := s.state(scratch)
	var out [][]byte
	for _, seq := range sequences {
		if buf, ok := cs.sent[seq]; ok {
			out = append(out, buf)
		}
	}
	return out
}

// encodeControl packs the ACK and NACK sequence lists into one control
// frame: kind byte, u16 ack count, acks, u16 nack count, nacks.
func encodeControl(acks, nacks []uint32) []byte {
	out := make([]byte, 1+2+4*len(acks)+2+4*len(nacks))
	out[0] = frameControl
	pos := 1
	binary.LittleEndian.PutUint16(out[pos:], uint16(len(acks)))
	pos += 2
	for _, seq := range acks {
		binary.LittleEndian.PutUint32(out[pos:], seq)
		pos += 4
	}
	binary.LittleEndian.PutUint16(out[pos:], uint16(len(nacks)))
	pos += 2
	for _, seq := range nacks {
		binary.LittleEndian.PutUint32(out[pos:], seq)
		pos += 4
	}
	return out
}

func decodeControl(buf []byte) (acks, nacks []uint32, ok bool) {
	pos := 1
	readList := func() ([]uint32, bool) {
		if len(buf)-pos < 2 {
			return nil, false
		}
		n := int(binary.LittleEndian.Uint16(buf[pos:]))
		pos += 2
		if len(buf)-pos < 4*n {
			return nil, false
		}
		list := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			list = append(list, binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4
		}
		return list, true
	}
	if acks, ok = readList(); !ok {
		return nil, nil, false
	}
	if nacks, ok = readList(); !ok {
		return nil, nil, false
	}
	return acks, nacks, true
}
