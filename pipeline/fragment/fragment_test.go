package fragment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/riftnet/riftnet/pipeline"
)

func TestSmallPayloadYieldsSingleHeaderedChunk(t *testing.T) {
	s := New()
	chunks := s.Split([]byte("small"))
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(chunks))
	}
	if len(chunks[0]) != headerLen+len("small") {
		t.Fatalf("expected header-prefixed chunk of %d bytes, got %d", headerLen+len("small"), len(chunks[0]))
	}

	out, ok := New().Receive(nil, chunks[0], nil)
	if !ok || string(out) != "small" {
		t.Fatalf("expected a count=1 chunk to deliver immediately, got %q ok=%v", out, ok)
	}
}

func TestLargePayloadRoundTripsThroughReceive(t *testing.T) {
	sender := New()
	receiver := New()

	payload := make([]byte, MaxFragmentPayload*3+17)
	rand.New(rand.NewSource(1)).Read(payload)

	chunks := sender.Split(payload)
	if len(chunks) < 2 {
		t.Fatalf("expected payload to be split into multiple chunks, got %d", len(chunks))
	}

	var joined []byte
	var gotOK bool
	for _, c := range chunks {
		out, ok := receiver.Receive(nil, c, nil)
		if ok {
			joined = out
			gotOK = true
		}
	}
	if !gotOK {
		t.Fatal("expected the final fragment to trigger reassembly")
	}
	if !bytes.Equal(joined, payload) {
		t.Error("reassembled payload does not match the original")
	}
}

// One Stage instance serves every connection of a Driver, so an in-flight
// reassembly must survive another connection joining and must never mix
// fragments across connections.
func TestReassemblyIsScopedPerConnection(t *testing.T) {
	sender := New()
	receiver := New()
	connA := &pipeline.Scratch{}
	connB := &pipeline.Scratch{}
	receiver.InitializeConnection(connA)

	payloadA := make([]byte, MaxFragmentPayload+5)
	for i := range payloadA {
		payloadA[i] = byte(i)
	}
	chunksA := sender.Split(payloadA)

	// First fragment of A lands, then a second connection comes up.
	if _, ok := receiver.Receive(connA, chunksA[0], nil); ok {
		t.Fatal("expected the partial split to stay buffered")
	}
	receiver.InitializeConnection(connB)

	payloadB := make([]byte, MaxFragmentPayload+9)
	chunksB := sender.Split(payloadB)
	for _, c := range chunksB {
		receiver.Receive(connB, c, nil)
	}

	// A's reassembly must still complete from where it left off.
	out, ok := receiver.Receive(connA, chunksA[1], nil)
	if !ok || !bytes.Equal(out, payloadA) {
		t.Fatal("expected connection A's reassembly to survive connection B's arrival")
	}
}

func TestOutOfOrderFragmentsStillReassemble(t *testing.T) {
	sender := New()
	receiver := New()

	payload := make([]byte, MaxFragmentPayload*2+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	chunks := sender.Split(payload)

	// reverse delivery order
	var joined []byte
	for i := len(chunks) - 1; i >= 0; i-- {
		out, ok := receiver.Receive(nil, chunks[i], nil)
		if ok {
			joined = out
		}
	}
	if !bytes.Equal(joined, payload) {
		t.Error("reassembled payload does not match original after reordered delivery")
	}
}
