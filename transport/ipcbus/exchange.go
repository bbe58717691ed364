// Package ipcbus implements the in-process IPC exchange: a process-global
// registry mapping 16-bit ports to connection channels, so two drivers in
// the same process can exchange datagrams without touching a real socket
// (useful for deterministic tests). It mirrors the teacher's Server
// binding/listen lifecycle (source/server/server.go) but over an in-memory
// multi-queue instead of net.UDPConn.
package ipcbus

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/riftnet/riftnet/transport"
)

// Addr is the ipcbus endpoint type: a bus name plus a 16-bit port within it.
type Addr struct {
	Bus  string
	Port uint16
}

func (a Addr) Network() string { return "ipcbus" }
func (a Addr) String() string  { return a.Bus + ":" + strconv.Itoa(int(a.Port)) }

// Exchange is the process-wide, reference-counted registry. Sending to a
// bound port enqueues an IPCData record on that port's inbox; receiving
// dequeues the head. NewExchange gives an unnamed instance a uuid name so
// test fixtures that spin up several exchanges in one process never collide.
type Exchange struct {
	name string

	mu    sync.Mutex
	ports map[uint16]*inbox
	refs  int
}

// IPCData is one queued in-process datagram: its source endpoint and a
// private copy of its bytes.
type IPCData struct {
	From Addr
	Data []byte
}

type inbox struct {
	mu    sync.Mutex
	queue []IPCData
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Exchange{}
)

// NewExchange returns the named exchange, creating it if this is the first
// reference, and increments its reference count. An empty name gets a fresh
// uuid so independent tests never share state by accident.
func NewExchange(name string) *Exchange {
	if name == "" {
		name = uuid.NewString()
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	ex, ok := registry[name]
	if !ok {
		ex = &Exchange{name: name, ports: make(map[uint16]*inbox)}
		registry[name] = ex
	}
	ex.refs++
	return ex
}

// Release decrements the reference count, removing the exchange from the
// registry once the last driver lets go of it.
func (e *Exchange) Release() {
	registryMu.Lock()
	defer registryMu.Unlock()
	e.refs--
	if e.refs <= 0 {
		delete(registry, e.name)
	}
}

func (e *Exchange) bind(port uint16) (*inbox, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ports[port]; ok {
		return nil, errors.Errorf("ipcbus: port %d already bound on exchange %q", port, e.name)
	}
	box := &inbox{}
	e.ports[port] = box
	return box, nil
}

func (e *Exchange) unbind(port uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ports, port)
}

func (e *Exchange) send(from Addr, to uint16, data []byte) error {
	e.mu.Lock()
	box, ok := e.ports[to]
	e.mu.Unlock()
	if !ok {
		// No listener on that port: the datagram is dropped, as an unanswered
		// UDP send would be, so one unreachable peer does not fail the flush.
		return nil
	}
	cp := append([]byte{}, data...)
	box.mu.Lock()
	box.queue = append(box.queue, IPCData{From: from, Data: cp})
	box.mu.Unlock()
	return nil
}

func (box *inbox) drain(max int) []IPCData {
	box.mu.Lock()
	defer box.mu.Unlock()
	n := len(box.queue)
	if max > 0 && n > max {
		n = max
	}
	data := box.queue[:n]
	box.queue = box.queue[n:]
	return data
}

var _ transport.Interface = (*Interface)(nil)
