// Package wire implements the protocol engine: the fixed header prefixed to
// every datagram, and the connection state machine it drives. Header field
// widths and packet-type ids are reshaped from the teacher's RakNet
// packet-id constants (source/protocol/raknet.go) into a compact 4-byte
// header.
package wire

import "github.com/riftnet/riftnet/codec"

// PacketType identifies the control/data purpose of a datagram.
type PacketType uint8

const (
	ConnectionRequest PacketType = 1
	ConnectionAccept  PacketType = 2
	Disconnect        PacketType = 3
	Data              PacketType = 4
	Ping              PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case ConnectionRequest:
		return "ConnectionRequest"
	case ConnectionAccept:
		return "ConnectionAccept"
	case Disconnect:
		return "Disconnect"
	case Data:
		return "Data"
	case Ping:
		return "Ping"
	default:
		return "Unknown"
	}
}

// HEADER_SIZE is the fixed byte prefix added to every datagram this transport
// sends: 1 byte type + 2 byte session token + 1 byte flags.
const HEADER_SIZE = 4

// Header is the fixed, little-endian-on-the-wire prefix of every datagram.
type Header struct {
	Type  PacketType
	Token uint16
	Flags uint8
}

// Encode writes h into the first HEADER_SIZE bytes of w.
func (h Header) Encode(w *codec.Writer) bool {
	if !w.WriteByte(byte(h.Type)) {
		return false
	}
	if !w.WriteUShort(h.Token) {
		return false
	}
	return w.WriteByte(h.Flags)
}

// ErrCode is a sentinel status for malformed/unknown datagrams: protocol
// failures are dropped silently and counted, never raised as exceptions.
type ErrCode int

const (
	OK ErrCode = iota
	ErrTooShort
	ErrUnknownType
)

// DecodeHeader parses the first HEADER_SIZE bytes of buf. Returns ErrTooShort
// if buf is shorter than HEADER_SIZE, or ErrUnknownType for an unrecognized
// Type byte; the caller is responsible for token validation against the
// owning connection record.
func DecodeHeader(buf []byte) (Header, ErrCode) {
	if len(buf) < HEADER_SIZE {
		return Header{}, ErrTooShort
	}
	t := PacketType(buf[0])
	switch t {
	case ConnectionRequest, ConnectionAccept, Disconnect, Data, Ping:
	default:
		return Header{}, ErrUnknownType
	}
	r := codec.NewReader(buf[:HEADER_SIZE])
	r.ReadByte() // type, already known
	token := r.ReadUShort()
	flags := r.ReadByte()
	return Header{Type: t, Token: token, Flags: flags}, OK
}
