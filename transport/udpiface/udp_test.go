package udpiface

import (
	"testing"

	"github.com/riftnet/riftnet/transport"
)

func TestResolveAndBindLoopback(t *testing.T) {
	iface := New()
	ep, err := iface.CreateInterfaceEndPoint("127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := iface.Bind(ep); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer iface.Close()

	if iface.conn == nil {
		t.Fatal("expected a bound UDP connection")
	}
}

func TestSendInterfaceRoundTripsToQueue(t *testing.T) {
	iface := New()
	ep, _ := iface.CreateInterfaceEndPoint("127.0.0.1:0")
	if err := iface.Bind(ep); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	defer iface.Close()

	send := iface.CreateSendInterface()
	h := send.BeginSendMessage()
	n := copy(h.Buf, []byte("payload"))

	queue := transport.NewMPSCQueue()
	send.EndSendMessage(h, n, ep, queue)

	drained := queue.DrainAll()
	if len(drained) != 1 || string(drained[0].Data) != "payload" {
		t.Fatalf("expected queued payload round trip, got %v", drained)
	}
}
