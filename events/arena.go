package events

import "github.com/valyala/bytebufferpool"

// Arena is the shared payload area backing every connection's event FIFO.
// Event payloads are appended and referenced by (offset, length); the arena
// is only compacted at a safe point between ticks, never while a popped
// event's reader may still be in use. The region is NOT compacted
// immediately on pop; every read cursor into the event queue stays valid
// until the next ScheduleUpdate.
type Arena struct {
	buf *bytebufferpool.ByteBuffer
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{buf: bytebufferpool.Get()}
}

// Append copies payload into the arena and returns its (offset, length).
func (a *Arena) Append(payload []byte) (offset, length int) {
	offset = a.buf.Len()
	a.buf.Write(payload)
	return offset, len(payload)
}

// Slice returns the bytes previously stored at (offset, length). The
// returned slice aliases the arena and is only valid until the next Compact.
func (a *Arena) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > a.buf.Len() {
		return nil
	}
	return a.buf.B[offset : offset+length]
}

// Compact discards the arena contents and returns the underlying buffer to
// its pool, starting fresh. Callers must only call this once no live event
// holds a reference into the arena (i.e. at the top of ScheduleUpdate, after
// the previous tick's pops have been consumed by the caller).
func (a *Arena) Compact() {
	bytebufferpool.Put(a.buf)
	a.buf = bytebufferpool.Get()
}

// Len reports the current arena size in bytes.
func (a *Arena) Len() int {
	return a.buf.Len()
}
