package driver

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/riftnet/riftnet/events"
	"github.com/riftnet/riftnet/internal/clock"
	"github.com/riftnet/riftnet/pipeline"
	"github.com/riftnet/riftnet/pipeline/fragment"
	"github.com/riftnet/riftnet/transport"
	"github.com/riftnet/riftnet/transport/ipcbus"
	"github.com/riftnet/riftnet/wire"
)

// pair is a listening server driver plus one connecting client driver, wired
// over a shared ipcbus exchange so tests never touch a real socket. Pending
// events are discarded at the top of every ScheduleUpdate, so every helper
// here pops within the tick that produced the event.
type pair struct {
	t        *testing.T
	server   *Driver
	client   *Driver
	serverPL *pipeline.Pipeline
	clientPL *pipeline.Pipeline
}

func nullPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	pl, err := pipeline.New(pipeline.Null{})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return pl
}

func newPair(t *testing.T) *pair {
	t.Helper()
	return newPairWith(t, nullPipeline(t), nullPipeline(t))
}

func newPairWith(t *testing.T, serverPL, clientPL *pipeline.Pipeline) *pair {
	t.Helper()
	bus := "e2e-" + t.Name()
	serverIface := ipcbus.New(bus)
	clientIface := ipcbus.New(bus)
	t.Cleanup(func() {
		serverIface.Close()
		clientIface.Close()
	})

	server := New(serverIface, serverPL)
	if err := server.Bind("1337"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	server.Listen()

	client := New(clientIface, clientPL)
	if err := client.Bind("4242"); err != nil {
		t.Fatalf("client bind: %v", err)
	}

	return &pair{t: t, server: server, client: client, serverPL: serverPL, clientPL: clientPL}
}

func (p *pair) tick(d *Driver, who string) {
	p.t.Helper()
	if err := d.ScheduleUpdate().Wait(); err != nil {
		p.t.Fatalf("%s tick: %v", who, err)
	}
}

// connect drives both sides until the client holds a Connected handle and the
// server has an accepted handle, draining each side's Connect event within
// the tick that produced it.
func (p *pair) connect() (serverSide Handle, clientSide Handle) {
	p.t.Helper()
	clientSide, err := p.client.Connect("1337")
	if err != nil {
		p.t.Fatalf("connect: %v", err)
	}

	var clientConnected, serverConnected bool
	for i := 0; i < 10 && !(clientConnected && serverConnected); i++ {
		p.tick(p.client, "client")
		if kind, _, _ := p.client.PopEventForConnection(clientSide); kind == events.Connect {
			clientConnected = true
		}

		p.tick(p.server, "server")
		if h := p.server.Accept(); h.IsCreated() {
			serverSide = h
			if kind, _, _ := p.server.PopEventForConnection(h); kind != events.Connect {
				p.t.Fatalf("expected Connect on the accepted slot, got %v", kind)
			}
			serverConnected = true
		}
	}
	if !serverConnected || !clientConnected {
		p.t.Fatalf("handshake never completed: server=%v client=%v", serverConnected, clientConnected)
	}
	return serverSide, clientSide
}

// sendAndDeliver flushes from's pending outbound and runs one receive tick on
// to, so the caller can pop the resulting event before to's next tick.
func (p *pair) sendAndDeliver(from, to *Driver) {
	p.t.Helper()
	p.tick(from, "sender")
	p.tick(to, "receiver")
}

// S1 — happy connect/disconnect.
func TestHappyConnectDisconnect(t *testing.T) {
	p := newPair(t)
	serverSide, clientSide := p.connect()

	if kind, _, _ := p.server.PopEventForConnection(serverSide); kind != events.Empty {
		t.Errorf("expected no further server event right after accept, got %v", kind)
	}

	if ok := p.client.Disconnect(clientSide); !ok {
		t.Fatal("client Disconnect failed")
	}
	// The local side surfaces its own Disconnect immediately; pop it before
	// the client's next tick discards it.
	if kind, _, reason := p.client.PopEventForConnection(clientSide); kind != events.Disconnect || reason != events.ReasonClosedByLocal {
		t.Fatalf("expected local Disconnect(ClosedByLocal), got %v reason=%v", kind, reason)
	}

	p.sendAndDeliver(p.client, p.server)

	kind, _, reason := p.server.PopEventForConnection(serverSide)
	if kind != events.Disconnect {
		t.Fatalf("expected Disconnect on the server, got %v", kind)
	}
	if reason != events.ReasonClosedByRemote {
		t.Errorf("expected ReasonClosedByRemote, got %v", reason)
	}
}

// S2 — ping/pong: each side sends a distinct payload to the other.
func TestDataRoundTripsBothWays(t *testing.T) {
	p := newPair(t)
	serverSide, clientSide := p.connect()

	w, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("client BeginSend failed")
	}
	msg := []byte("fromserver")
	if !w.WriteBytes(msg) {
		t.Fatal("client write failed")
	}
	if n := p.client.EndSend(w); n == 0 {
		t.Fatal("client EndSend failed")
	}
	p.sendAndDeliver(p.client, p.server)

	kind, r, _ := p.server.PopEventForConnection(serverSide)
	if kind != events.Data {
		t.Fatalf("expected Data on the server, got %v", kind)
	}
	got := r.ReadBytes(len(msg))
	if string(got) != string(msg) {
		t.Errorf("expected payload %q, got %q", msg, got)
	}

	w2, ok := p.server.BeginSend(p.serverPL, serverSide)
	if !ok {
		t.Fatal("server BeginSend failed")
	}
	reply := []byte("client")
	if !w2.WriteBytes(reply) {
		t.Fatal("server write failed")
	}
	if n := p.server.EndSend(w2); n == 0 {
		t.Fatal("server EndSend failed")
	}
	p.sendAndDeliver(p.server, p.client)

	kind2, r2, _ := p.client.PopEventForConnection(clientSide)
	if kind2 != events.Data {
		t.Fatalf("expected Data on the client, got %v", kind2)
	}
	got2 := r2.ReadBytes(len(reply))
	if string(got2) != string(reply) {
		t.Errorf("expected payload %q, got %q", reply, got2)
	}
}

// S4 — MTU edge: the largest legal payload round-trips; one byte over fails
// both the write and EndSend without transmitting anything.
func TestMTUEdge(t *testing.T) {
	p := newPair(t)
	serverSide, clientSide := p.connect()

	maxPayload := transport.MTU - wire.HEADER_SIZE
	w, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	big := make([]byte, maxPayload)
	for i := range big {
		big[i] = byte(i)
	}
	if !w.WriteBytes(big) {
		t.Fatal("expected the max-size payload to fit")
	}
	if n := p.client.EndSend(w); n == 0 {
		t.Fatal("expected EndSend to succeed at the MTU edge")
	}
	p.sendAndDeliver(p.client, p.server)
	kind, r, _ := p.server.PopEventForConnection(serverSide)
	if kind != events.Data {
		t.Fatalf("expected Data, got %v", kind)
	}
	if got := r.ReadBytes(maxPayload); len(got) != maxPayload {
		t.Fatalf("expected %d bytes back, got %d", maxPayload, len(got))
	}

	w2, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	tooBig := make([]byte, maxPayload+1)
	if w2.WriteBytes(tooBig) {
		t.Fatal("expected WriteBytes to fail one byte past the MTU edge")
	}
	if n := p.client.EndSend(w2); n != 0 {
		t.Fatalf("expected EndSend to report failure, got %d", n)
	}
	p.sendAndDeliver(p.client, p.server)
	if kind, _, _ := p.server.PopEventForConnection(serverSide); kind != events.Empty {
		t.Errorf("expected no datagram transmitted for the failed send, got %v", kind)
	}
}

// S5 — an event the caller never pops is reset, with the logged warning, at
// the top of the next ScheduleUpdate.
func TestUnpoppedEventIsResetOnNextTick(t *testing.T) {
	p := newPair(t)
	serverSide, clientSide := p.connect()

	w, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	if !w.WriteBytes([]byte("unpopped")) {
		t.Fatal("write failed")
	}
	if n := p.client.EndSend(w); n == 0 {
		t.Fatal("EndSend failed")
	}
	p.sendAndDeliver(p.client, p.server) // Data event now pending on the server

	var captured bytes.Buffer
	log.SetOutput(&captured)
	p.tick(p.server, "server") // nobody popped: the queue resets and logs
	log.SetOutput(os.Stderr)

	want := fmt.Sprintf("Resetting event queue with pending events (Count=1, ConnectionID=%d) Listening: 1", serverSide.Slot)
	if !strings.Contains(captured.String(), want) {
		t.Errorf("expected reset log containing %q, got %q", want, captured.String())
	}
	if kind, _, _ := p.server.PopEventForConnection(serverSide); kind != events.Empty {
		t.Errorf("expected the unpopped event to be gone after the reset, got %v", kind)
	}
}

// A server that stops hearing from a connected client produces exactly one
// Disconnect event for that client once disconnectTimeoutMS elapses.
func TestIdleConnectionTimesOut(t *testing.T) {
	bus := "e2e-idle-" + t.Name()
	serverIface := ipcbus.New(bus)
	clientIface := ipcbus.New(bus)
	t.Cleanup(func() {
		serverIface.Close()
		clientIface.Close()
	})

	timers := wire.Timers{
		ConnectTimeoutMS:    100,
		MaxConnectAttempts:  5,
		DisconnectTimeoutMS: 300,
		HeartbeatTimeoutMS:  10_000,
	}
	server := New(serverIface, nullPipeline(t),
		WithTimers(timers), WithClock(clock.NewFixedStep(nil, 100)))
	if err := server.Bind("1337"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	server.Listen()

	client := New(clientIface, nullPipeline(t),
		WithTimers(timers), WithClock(clock.NewFixedStep(nil, 100)))
	if err := client.Bind("4242"); err != nil {
		t.Fatalf("client bind: %v", err)
	}
	clientSide, err := client.Connect("1337")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	var serverSide Handle
	for i := 0; i < 10 && !serverSide.IsCreated(); i++ {
		if err := client.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("client tick: %v", err)
		}
		client.PopEventForConnection(clientSide)
		if err := server.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("server tick: %v", err)
		}
		if h := server.Accept(); h.IsCreated() {
			serverSide = h
			server.PopEventForConnection(h)
		}
	}
	if !serverSide.IsCreated() {
		t.Fatal("handshake never completed")
	}

	// The client goes silent: only the server ticks from here on.
	disconnects := 0
	for i := 0; i < 10; i++ {
		if err := server.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("server idle tick %d: %v", i, err)
		}
		kind, _, reason := server.PopEventForConnection(serverSide)
		if kind == events.Disconnect {
			if reason != events.ReasonTimeout {
				t.Errorf("expected ReasonTimeout, got %v", reason)
			}
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Fatalf("expected exactly one Disconnect event, got %d", disconnects)
	}
}

// S6 — five-client fan-in: one listening server, five independently
// connecting clients, each observing exactly one Connect event.
func TestFiveClientFanIn(t *testing.T) {
	bus := "e2e-fanin-" + t.Name()
	serverIface := ipcbus.New(bus)
	t.Cleanup(func() { serverIface.Close() })

	server := New(serverIface, nullPipeline(t))
	if err := server.Bind("1337"); err != nil {
		t.Fatalf("server bind: %v", err)
	}
	server.Listen()

	const n = 5
	clients := make([]*Driver, n)
	handles := make([]Handle, n)
	connected := make([]bool, n)
	for i := 0; i < n; i++ {
		iface := ipcbus.New(bus)
		idx := i
		t.Cleanup(func() { iface.Close() })
		c := New(iface, nullPipeline(t))
		if err := c.Bind(portFor(idx)); err != nil {
			t.Fatalf("client %d bind: %v", idx, err)
		}
		h, err := c.Connect("1337")
		if err != nil {
			t.Fatalf("client %d connect: %v", idx, err)
		}
		clients[idx] = c
		handles[idx] = h
	}

	allConnected := func() bool {
		for i := 0; i < n; i++ {
			if !connected[i] {
				return false
			}
		}
		return true
	}

	accepted := make(map[int32]Handle)
	for tick := 0; tick < 10 && (len(accepted) < n || !allConnected()); tick++ {
		for i := 0; i < n; i++ {
			if err := clients[i].ScheduleUpdate().Wait(); err != nil {
				t.Fatalf("client %d tick: %v", i, err)
			}
			if !connected[i] {
				if kind, _, _ := clients[i].PopEventForConnection(handles[i]); kind == events.Connect {
					connected[i] = true
				}
			}
		}
		if err := server.ScheduleUpdate().Wait(); err != nil {
			t.Fatalf("server tick: %v", err)
		}
		for h := server.Accept(); h.IsCreated(); h = server.Accept() {
			if kind, _, _ := server.PopEventForConnection(h); kind != events.Connect {
				t.Errorf("server slot %d: expected Connect pushed by Accept, got %v", h.Slot, kind)
			}
			accepted[h.Slot] = h
		}
	}
	if len(accepted) != n {
		t.Fatalf("expected %d accepted slots, got %d", n, len(accepted))
	}

	for i := 0; i < n; i++ {
		if !connected[i] {
			t.Errorf("client %d never observed its Connect event", i)
		}
		if kind, _, _ := clients[i].PopEventForConnection(handles[i]); kind != events.Empty {
			t.Errorf("client %d: expected exactly one Connect event, got extra %v", i, kind)
		}
	}
	for _, h := range accepted {
		if kind, _, _ := server.PopEventForConnection(h); kind != events.Empty {
			t.Errorf("server slot %d: expected no events after the accept-time Connect, got %v", h.Slot, kind)
		}
	}
}

// A fragment-stage pipeline fans an oversize payload across several wire
// datagrams and reassembles it into one Data event on the peer; a small
// payload travels as a single header-tagged datagram through the same path.
func TestFragmentPipelineReassembles(t *testing.T) {
	serverPL, err := pipeline.New(fragment.New())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	clientPL, err := pipeline.New(fragment.New())
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	p := newPairWith(t, serverPL, clientPL)
	serverSide, clientSide := p.connect()

	small := []byte("tiny")
	w, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	if !w.WriteBytes(small) {
		t.Fatal("write failed")
	}
	if n := p.client.EndSend(w); n == 0 {
		t.Fatal("EndSend failed for the small payload")
	}
	p.sendAndDeliver(p.client, p.server)
	kind, r, _ := p.server.PopEventForConnection(serverSide)
	if kind != events.Data {
		t.Fatalf("expected Data for the small payload, got %v", kind)
	}
	if got := r.ReadBytes(len(small)); !bytes.Equal(got, small) {
		t.Fatalf("small payload corrupted: %q", got)
	}

	big := make([]byte, fragment.MaxFragmentPayload+100)
	for i := range big {
		big[i] = byte(i * 7)
	}
	w2, ok := p.client.BeginSend(p.clientPL, clientSide)
	if !ok {
		t.Fatal("BeginSend failed")
	}
	if !w2.WriteBytes(big) {
		t.Fatal("write failed for the large payload")
	}
	if n := p.client.EndSend(w2); n == 0 {
		t.Fatal("EndSend failed for the large payload")
	}
	p.sendAndDeliver(p.client, p.server)
	kind2, r2, _ := p.server.PopEventForConnection(serverSide)
	if kind2 != events.Data {
		t.Fatalf("expected a single reassembled Data event, got %v", kind2)
	}
	if got := r2.ReadBytes(len(big)); !bytes.Equal(got, big) {
		t.Fatal("reassembled payload does not match the original")
	}
}

func portFor(i int) string {
	return fmt.Sprintf("%d", 5000+i)
}
