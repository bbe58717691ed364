// Package fragment implements split/reassembly of payloads too large for a
// single datagram, grounded on the teacher's Session.SplitPackets handling
// (source/protocol/raknet.go: EncapsulatedPacket.Split/SplitID/SplitIndex/
// SplitCount and the buffer-join loop in Session.HandleDataPacket). The
// teacher inlines fragmentation into the reliability layer; here it is its
// own pipeline stage so a pipeline can opt in independent of reliability.
package fragment

import (
	"encoding/binary"

	"github.com/riftnet/riftnet/pipeline"
)

// headerLen: 2-byte split id, 2-byte index, 2-byte count.
const headerLen = 6

// MaxFragmentPayload is the largest chunk this stage ever emits per
// outbound datagram slice, chosen well under a typical 1200-byte MTU once
// outer stage headers are accounted for.
const MaxFragmentPayload = 1024

type reassembly struct {
	count  uint16
	have   uint16
	chunks [][]byte
}

// Stage is a fragment pipeline.Stage. Reassembly state is keyed by the
// per-connection *pipeline.Scratch the runtime passes in, the same way the
// reliable stage scopes its bookkeeping: one Stage instance serves every
// connection of a Driver, so state held directly on the Stage would be
// shared (and wiped by each new connection's InitializeConnection) across
// peers. Receive only returns ok=true, with the joined payload, once every
// fragment of a split has arrived.
type Stage struct {
	nextSplitID uint16
	byScratch   map[*pipeline.Scratch]map[uint16]*reassembly
}

var (
	_ pipeline.Stage    = (*Stage)(nil)
	_ pipeline.Splitter = (*Stage)(nil)
)

func New() *Stage {
	return &Stage{byScratch: make(map[*pipeline.Scratch]map[uint16]*reassembly)}
}

func (*Stage) Name() string { return "fragment" }

func (*Stage) Capacities() pipeline.Capacities {
	return pipeline.Capacities{HeaderReserve: headerLen}
}

func (s *Stage) InitializeConnection(scratch *pipeline.Scratch) {
	s.byScratch[scratch] = make(map[uint16]*reassembly)
}

func (s *Stage) pending(scratch *pipeline.Scratch) map[uint16]*reassembly {
	m, ok := s.byScratch[scratch]
	if !ok {
		m = make(map[uint16]*reassembly)
		s.byScratch[scratch] = m
	}
	return m
}

// Split breaks payload into MaxFragmentPayload-sized chunks, tagging each
// with a fresh split id. Callers needing fragmentation invoke this directly
// rather than through the single-buffer Send/Receive contract, since a split
// send fans one outbound payload into many datagrams. A payload that fits one
// chunk still gets a header (count=1), so the peer's Receive can parse every
// datagram uniformly.
func (s *Stage) Split(payload []byte) [][]byte {
	splitID := s.nextSplitID
	s.nextSplitID++

	var chunks [][]byte
	count := uint16(1)
	if len(payload) > MaxFragmentPayload {
		count = uint16((len(payload) + MaxFragmentPayload - 1) / MaxFragmentPayload)
	}
	for i := uint16(0); i < count; i++ {
		start := int(i) * MaxFragmentPayload
		end := start + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		hdr := make([]byte, headerLen)
		binary.LittleEndian.PutUint16(hdr[0:], splitID)
		binary.LittleEndian.PutUint16(hdr[2:], i)
		binary.LittleEndian.PutUint16(hdr[4:], count)
		chunks = append(chunks, append(hdr, payload[start:end]...))
	}
	return chunks
}

// Send is a pass-through: fragmentation happens after the stage chain, when
// the driver calls Split on the encoded buffer, since it changes the datagram
// count rather than one buffer's shape.
func (*Stage) Send(_ *pipeline.Scratch, buf []byte, _ *pipeline.Requests) ([]byte, bool) {
	return buf, true
}

// Receive buffers one fragment, returning ok=false (nothing to deliver yet)
// until the final fragment of its split completes, at which point it
// returns the full reassembled payload.
func (s *Stage) Receive(scratch *pipeline.Scratch, buf []byte, reqs *pipeline.Requests) ([]byte, bool) {
	if len(buf) < headerLen {
		return nil, false
	}
	splitID := binary.LittleEndian.Uint16(buf[0:])
	index := binary.LittleEndian.Uint16(buf[2:])
	count := binary.LittleEndian.Uint16(buf[4:])
	payload := buf[headerLen:]

	pending := s.pending(scratch)
	r, ok := pending[splitID]
	if !ok {
		r = &reassembly{count: count, chunks: make([][]byte, count)}
		pending[splitID] = r
	}
	if index >= count || r.chunks[index] != nil {
		if reqs != nil {
			reqs.Flags |= pipeline.RequestDuplicate
		}
		return nil, false // malformed index or duplicate fragment
	}
	r.chunks[index] = append([]byte{}, payload...)
	r.have++

	if r.have < r.count {
		if reqs != nil {
			reqs.Flags |= pipeline.RequestConsumed
		}
		return nil, false
	}
	delete(pending, splitID)

	total := 0
	for _, c := range r.chunks {
		total += len(c)
	}
	joined := make([]byte, 0, total)
	for _, c := range r.chunks {
		joined = append(joined, c...)
	}
	return joined, true
}
