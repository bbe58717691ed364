package ipcbus

import (
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/riftnet/riftnet/transport"
)

// Interface is a transport.Interface backed by an Exchange: Bind claims a
// port's inbox, ScheduleReceive drains it, ScheduleSend posts to whatever
// port each QueuedSendMessage targets.
type Interface struct {
	exchange *Exchange
	port     uint16
	box      *inbox
}

// New returns an Interface bound to the named exchange (created on first
// use, reference-counted thereafter).
func New(exchangeName string) *Interface {
	return &Interface{exchange: NewExchange(exchangeName)}
}

func (i *Interface) CreateInterfaceEndPoint(generic string) (net.Addr, error) {
	port, err := strconv.Atoi(generic)
	if err != nil {
		return nil, errors.Wrapf(err, "ipcbus: endpoint %q is not a port number", generic)
	}
	if port < 0 || port > 0xffff {
		return nil, errors.Errorf("ipcbus: port %d out of range", port)
	}
	return Addr{Bus: i.exchange.name, Port: uint16(port)}, nil
}

func (i *Interface) Bind(endpoint net.Addr) error {
	addr, ok := endpoint.(Addr)
	if !ok {
		return errors.Errorf("ipcbus: endpoint %v is not an ipcbus.Addr", endpoint)
	}
	box, err := i.exchange.bind(addr.Port)
	if err != nil {
		return err
	}
	i.port = addr.Port
	i.box = box
	return nil
}

func (i *Interface) ScheduleReceive(receiver transport.Receiver) int {
	if i.box == nil {
		return 0
	}
	for _, d := range i.box.drain(0) {
		if !receiver.AppendPacket(d.From, d.Data) {
			return transport.ReceiveErrorCapacity
		}
	}
	return 0
}

func (i *Interface) ScheduleSend(queue transport.SendQueue) error {
	from := Addr{Bus: i.exchange.name, Port: i.port}
	for _, msg := range queue.DrainAll() {
		to, ok := msg.Dest.(Addr)
		if !ok {
			return errors.Errorf("ipcbus: send destination %v is not an ipcbus.Addr", msg.Dest)
		}
		if err := i.exchange.send(from, to.Port, msg.Data); err != nil {
			return err
		}
	}
	return nil
}

func (i *Interface) CreateSendInterface() transport.SendInterface {
	return transport.SendInterface{
		BeginSendMessage: func() transport.SendHandle {
			return transport.NewSendHandle(make([]byte, transport.MTU), nil)
		},
		EndSendMessage: func(h transport.SendHandle, n int, addr net.Addr, queue transport.SendQueue) {
			out := make([]byte, n)
			copy(out, h.Buf[:n])
			queue.Enqueue(transport.QueuedSendMessage{Dest: addr, Data: out})
		},
		AbortSendMessage: func(transport.SendHandle) {},
	}
}

func (i *Interface) Close() error {
	if i.box != nil {
		i.exchange.unbind(i.port)
	}
	i.exchange.Release()
	return nil
}
