// Package sequence implements latest-wins sequenced delivery: out-of-order
// arrivals are dropped rather than buffered, and duplicates are dropped too.
// It is grounded on the teacher's UNRELIABLE_SEQUENCED / RELIABLE_SEQUENCED
// handling (source/protocol/raknet.go, EncapsulatedPacket.Reliability and the
// GetSize "Sequence index" case), pulled out into its own pipeline stage
// since the spec's pipeline runtime has no single hardwired reliability
// layer.
package sequence

import (
	"encoding/binary"

	"github.com/riftnet/riftnet/pipeline"
)

const headerLen = 2 // uint16 sequence number, wire order

// Stage is a sequence pipeline.Stage. Stale-vs-fresh comparison uses
// unsigned wraparound: a new sequence number is accepted if it is ahead of
// the last accepted one by less than half the uint16 space.
type Stage struct{}

var _ pipeline.Stage = (*Stage)(nil)

func New() *Stage { return &Stage{} }

func (*Stage) Name() string { return "sequence" }

func (*Stage) Capacities() pipeline.Capacities {
	return pipeline.Capacities{
		SendScratch:    2, // next send sequence
		ReceiveScratch: 2, // last accepted receive sequence
		HeaderReserve:  headerLen,
	}
}

func (*Stage) InitializeConnection(s *pipeline.Scratch) {
	binary.LittleEndian.PutUint16(s.Send, 0)
	// 0xffff so the first real sequence number (0) reads as newer than the
	// "nothing received yet" sentinel under wraparound comparison.
	binary.LittleEndian.PutUint16(s.Recv, 0xffff)
}

func (*Stage) Send(s *pipeline.Scratch, buf []byte, _ *pipeline.Requests) ([]byte, bool) {
	if len(s.Header) < headerLen {
		return nil, false
	}
	seq := binary.LittleEndian.Uint16(s.Send)
	binary.LittleEndian.PutUint16(s.Send, seq+1)

	hdr := s.Header[:headerLen]
	binary.LittleEndian.PutUint16(hdr, seq)
	combined := append(append([]byte{}, hdr...), buf...)
	return combined, true
}

func (*Stage) Receive(s *pipeline.Scratch, buf []byte, reqs *pipeline.Requests) ([]byte, bool) {
	if len(buf) < headerLen {
		return nil, false
	}
	seq := binary.LittleEndian.Uint16(buf[:headerLen])
	last := binary.LittleEndian.Uint16(s.Recv)

	if !isNewer(seq, last) {
		reqs.Flags |= pipeline.RequestDuplicate
		return nil, false // stale or duplicate: silently dropped
	}
	binary.LittleEndian.PutUint16(s.Recv, seq)
	return buf[headerLen:], true
}

// isNewer reports whether seq is ahead of last under uint16 wraparound
// arithmetic (half the space ahead counts as newer, matching the usual
// sequence-number comparison trick).
func isNewer(seq, last uint16) bool {
	return uint16(seq-last) != 0 && uint16(seq-last) < 0x8000
}
