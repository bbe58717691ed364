// Package udpiface implements transport.Interface over a real net.UDPConn,
// grounded on the teacher's Server.Start/listen/Update split
// (source/server/server.go): ListenUDP once at Bind time, a non-blocking
// read loop feeding a transport.StreamReceiver instead of the teacher's
// per-packet goroutine dispatch, and a pooled send-buffer path instead of
// the teacher's per-call net.WriteToUDP allocation.
package udpiface

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/riftnet/riftnet/pkg/logger"
	"github.com/riftnet/riftnet/transport"
)

// Interface is a UDP-socket backed transport.Interface.
type Interface struct {
	conn *net.UDPConn
	pool bytebufferpool.Pool
}

func New() *Interface {
	return &Interface{}
}

func (i *Interface) CreateInterfaceEndPoint(generic string) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", generic)
	if err != nil {
		return nil, errors.Wrapf(err, "udpiface: resolve %q", generic)
	}
	return addr, nil
}

func (i *Interface) Bind(endpoint net.Addr) error {
	udpAddr, ok := endpoint.(*net.UDPAddr)
	if !ok {
		return errors.Errorf("udpiface: endpoint %v is not a *net.UDPAddr", endpoint)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrap(err, "udpiface: bind")
	}
	i.conn = conn
	logger.Info("udpiface bound on %s", conn.LocalAddr())
	return nil
}

// ScheduleReceive drains every datagram currently queued on the socket
// without blocking, appending each into receiver until either the socket
// has nothing more ready or receiver rejects one for lack of room.
func (i *Interface) ScheduleReceive(receiver transport.Receiver) int {
	buf := make([]byte, transport.MTU)
	if err := i.conn.SetReadDeadline(time.Now()); err != nil {
		return 0
	}
	for {
		n, addr, err := i.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0
			}
			return 0
		}
		if !receiver.AppendPacket(addr, buf[:n]) {
			return transport.ReceiveErrorCapacity
		}
	}
}

func (i *Interface) ScheduleSend(queue transport.SendQueue) error {
	for _, msg := range queue.DrainAll() {
		udpAddr, ok := msg.Dest.(*net.UDPAddr)
		if !ok {
			return errors.Errorf("udpiface: send destination %v is not a *net.UDPAddr", msg.Dest)
		}
		if _, err := i.conn.WriteToUDP(msg.Data, udpAddr); err != nil {
			return errors.Wrap(err, "udpiface: write")
		}
	}
	return nil
}

func (i *Interface) CreateSendInterface() transport.SendInterface {
	return transport.SendInterface{
		BeginSendMessage: func() transport.SendHandle {
			bb := i.pool.Get()
			if cap(bb.B) < transport.MTU {
				bb.B = make([]byte, transport.MTU)
			} else {
				bb.B = bb.B[:transport.MTU]
			}
			return transport.NewSendHandle(bb.B, func() { i.pool.Put(bb) })
		},
		EndSendMessage: func(h transport.SendHandle, n int, addr net.Addr, queue transport.SendQueue) {
			out := make([]byte, n)
			copy(out, h.Buf[:n])
			queue.Enqueue(transport.QueuedSendMessage{Dest: addr, Data: out})
			h.Release()
		},
		AbortSendMessage: func(h transport.SendHandle) {
			h.Release()
		},
	}
}

func (i *Interface) Close() error {
	if i.conn == nil {
		return nil
	}
	return i.conn.Close()
}
