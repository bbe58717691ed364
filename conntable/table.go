package conntable

import (
	"net"

	"github.com/riftnet/riftnet/wire"
)

// Table is the fixed-capacity pool of connection slots. It generalizes the
// teacher's map[int]*Player with an incrementing nextPlayerID
// (source/server/server.go) into a free-list allocator that reuses slots and
// stamps each with a generation counter, so a stale ConnectionHandle from a
// disconnected occupant never aliases the slot's new occupant.
type Table struct {
	records []*Record
	free    []int32 // free slot indices, LIFO
	byAddr  map[string]int32
}

// NewTable creates a table that can hold up to capacity simultaneous
// connections.
func NewTable(capacity int) *Table {
	t := &Table{
		records: make([]*Record, capacity),
		free:    make([]int32, capacity),
		byAddr:  make(map[string]int32),
	}
	for i := 0; i < capacity; i++ {
		slot := int32(i)
		t.records[i] = newRecord(slot)
		t.free[i] = int32(capacity-1) - slot // fill so slot 0 is allocated first
	}
	return t
}

// Capacity returns the total number of connection slots.
func (t *Table) Capacity() int {
	return len(t.records)
}

// Allocate claims a free slot for addr, stamping a fresh generation, and
// returns (generation, record, true). Returns (0, nil, false) if the table is
// full.
func (t *Table) Allocate(addr net.Addr) (int32, *Record, bool) {
	if len(t.free) == 0 {
		return 0, nil, false
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	r := t.records[slot]
	r.reset()
	r.Addr = addr
	r.Generation++
	if r.Generation == 0 {
		r.Generation = 1 // never let a recycled slot land back on the sentinel
	}
	t.byAddr[addr.String()] = slot
	return r.Generation, r, true
}

// Release returns a slot to the free pool, bumping its Generation so a
// handle captured before Release reads as stale immediately — not only after
// the slot's next Allocate. Without the bump, the freed-but-unreallocated
// window would still resolve old handles against an Empty record.
func (t *Table) Release(slot int32) {
	if slot < 0 || int(slot) >= len(t.records) {
		return
	}
	r := t.records[slot]
	if r.Addr == nil {
		return // never allocated, or already released
	}
	// Only clear the address index if it still points at this slot: a
	// peer-restart can reallocate the same address to a new slot before
	// the old one is reclaimed, and that new mapping must survive.
	if cur, ok := t.byAddr[r.Addr.String()]; ok && cur == slot {
		delete(t.byAddr, r.Addr.String())
	}
	r.Addr = nil
	r.State = wire.Empty
	r.Generation++
	if r.Generation == 0 {
		r.Generation = 1
	}
	t.free = append(t.free, slot)
}

// Lookup returns the record at slot (its current generation is
// Record.Generation), or ok=false if the slot index is out of range.
func (t *Table) Lookup(slot int32) (*Record, bool) {
	if slot < 0 || int(slot) >= len(t.records) {
		return nil, false
	}
	return t.records[slot], true
}

// Resolve matches a handle's generation against the slot's live occupant,
// returning ok=false for a stale or out-of-range handle.
func (t *Table) Resolve(slot, generation int32) (*Record, bool) {
	r, ok := t.Lookup(slot)
	if !ok || r.Generation != generation || r.Generation == 0 {
		return nil, false
	}
	return r, true
}

// FindByAddr returns the slot currently bound to addr, if any.
func (t *Table) FindByAddr(addr net.Addr) (*Record, bool) {
	slot, ok := t.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return t.records[slot], true
}

// Each calls fn for every currently allocated (non-Empty) record, in slot
// order. fn must not call Allocate/Release.
func (t *Table) Each(fn func(*Record)) {
	for _, r := range t.records {
		if r.State != wire.Empty {
			fn(r)
		}
	}
}

// Len reports the number of currently allocated connections.
func (t *Table) Len() int {
	return len(t.records) - len(t.free)
}
