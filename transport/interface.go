// Package transport defines the network interface contract the driver loop
// schedules receive/send work against, with two concrete implementations:
// udpiface (a real UDP socket) and ipcbus (a process-local exchange used for
// same-process client/server tests without touching the network stack). The
// contract shape is carried over from the teacher's net.UDPConn-based
// Server.listen/Update split (source/server/server.go), generalized so the
// driver can schedule either transport identically.
package transport

import "net"

// MTU is the largest single datagram this transport ever sends or expects to
// receive. Chosen to stay well clear of typical internet path MTUs once IP
// and UDP headers are accounted for.
const MTU = 1200

// ReceiveErrorCapacity is the error code surfaced when a ScheduleReceive call
// could not fit an arrived datagram into the caller's receive buffer.
const ReceiveErrorCapacity = 10040

// PacketTuple describes one datagram appended into a Receiver's data stream
// during ScheduleReceive: its source endpoint and its length in bytes.
type PacketTuple struct {
	From   net.Addr
	Length int
}

// Receiver is filled in by ScheduleReceive: a byte sink (AppendPacket copies
// datagram bytes in) plus the per-packet tuples describing what landed.
type Receiver interface {
	// AppendPacket copies data into the receiver's backing stream and
	// records a PacketTuple for it. Returns false if the stream has no
	// room left (sets the caller's ReceiveErrorCode).
	AppendPacket(from net.Addr, data []byte) bool
	Packets() []PacketTuple
	PacketData(i int) []byte
}

// QueuedSendMessage is one outbound datagram awaiting flush.
type QueuedSendMessage struct {
	Dest net.Addr
	Data []byte
}

// SendQueue is the multi-producer/single-consumer queue ScheduleSend drains
// every tick.
type SendQueue interface {
	Enqueue(QueuedSendMessage)
	DrainAll() []QueuedSendMessage
}

// Interface is the contract both udpiface and ipcbus implement. Endpoint is
// whatever opaque address type the concrete transport binds to (a *net.UDPAddr
// for udpiface, an ipcbus.Addr bus name plus port for ipcbus).
type Interface interface {
	// CreateInterfaceEndPoint resolves a generic address description (host:port
	// string, bare port, etc.) into this transport's endpoint type.
	CreateInterfaceEndPoint(generic string) (net.Addr, error)
	Bind(endpoint net.Addr) error
	// ScheduleReceive fills receiver with whatever datagrams are
	// immediately available, returning the receive error code (0 if none).
	ScheduleReceive(receiver Receiver) int
	// ScheduleSend drains queue, handing each message to the transport.
	ScheduleSend(queue SendQueue) error
	// CreateSendInterface returns the Begin/End/Abort callback triple
	// pipeline stages and the driver use to stage an outbound datagram.
	CreateSendInterface() SendInterface
	Close() error
}

// SendHandle is a temp MTU-sized staging buffer obtained from
// BeginSendMessage. Buf is sized to MTU; callers write their datagram into
// Buf[:n] and pass n to EndSendMessage.
type SendHandle struct {
	Buf     []byte
	release func()
}

// NewSendHandle lets an Interface implementation attach its own cleanup
// (returning a pooled buffer, or a no-op) to a handle it hands out.
func NewSendHandle(buf []byte, release func()) SendHandle {
	if release == nil {
		release = func() {}
	}
	return SendHandle{Buf: buf, release: release}
}

// Release runs the handle's attached cleanup. Safe to call once per handle,
// from EndSendMessage or AbortSendMessage.
func (h SendHandle) Release() {
	if h.release != nil {
		h.release()
	}
}

// SendInterface is the three-callback staging contract used to build one
// outbound datagram without allocating twice: Begin hands back a scratch
// buffer, End finalizes it onto a SendQueue, Abort discards it.
type SendInterface struct {
	BeginSendMessage func() SendHandle
	EndSendMessage   func(h SendHandle, n int, addr net.Addr, queue SendQueue)
	AbortSendMessage func(h SendHandle)
}
