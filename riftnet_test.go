package riftnet

import (
	"testing"

	"github.com/riftnet/riftnet/pipeline"
	"github.com/riftnet/riftnet/transport/ipcbus"
)

// The façade round-trip: everything a caller needs for the common path comes
// from this one package.
func TestFacadeConnectAndSend(t *testing.T) {
	bus := "facade-" + t.Name()
	serverIface := ipcbus.New(bus)
	clientIface := ipcbus.New(bus)
	t.Cleanup(func() {
		serverIface.Close()
		clientIface.Close()
	})

	pl, err := pipeline.New(pipeline.Null{})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	server := New(serverIface, pl, WithCapacity(8), WithEventQueueCapacity(16))
	if err := server.Bind("100"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	server.Listen()

	client := New(clientIface, pl)
	if err := client.Bind("200"); err != nil {
		t.Fatalf("client bind: %v", err)
	}

	clientSide, err := client.Connect("100")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !clientSide.IsCreated() {
		t.Fatal("expected a created handle")
	}

	var serverSide ConnectionHandle
	var clientConnected bool
	for i := 0; i < 10 && !(serverSide.IsCreated() && clientConnected); i++ {
		if err := client.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("client tick: %v", err)
		}
		if kind, _, _ := client.PopEventForConnection(clientSide); kind == EventConnect {
			clientConnected = true
		}
		if err := server.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("server tick: %v", err)
		}
		if h := server.Accept(); h.IsCreated() {
			serverSide = h
			if kind, _, _ := server.PopEventForConnection(h); kind != EventConnect {
				t.Fatalf("expected Connect on the accepted slot, got %v", kind)
			}
		}
	}
	if !serverSide.IsCreated() || !clientConnected {
		t.Fatal("handshake never completed through the façade")
	}

	w, ok := client.BeginSend(pl, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	if !w.WriteBytes([]byte("ping")) {
		t.Fatal("write failed")
	}
	if n := client.EndSend(w); n == 0 {
		t.Fatal("EndSend failed")
	}
	if err := client.ScheduleUpdate().Wait(); err != nil {
		t.Fatalf("client flush tick: %v", err)
	}
	if err := server.ScheduleUpdate().Wait(); err != nil {
		t.Fatalf("server receive tick: %v", err)
	}
	kind, r, _ := server.PopEventForConnection(serverSide)
	if kind != EventData {
		t.Fatalf("expected Data, got %v", kind)
	}
	if got := r.ReadBytes(4); string(got) != "ping" {
		t.Errorf("expected %q, got %q", "ping", got)
	}
}
