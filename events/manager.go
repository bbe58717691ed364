package events

// Manager owns one Queue per live connection slot plus the arena they share,
// and provides the round-robin-fair PopEvent driver operation on top of
// per-connection FIFOs.
type Manager struct {
	arena    *Arena
	queues   map[int32]*Queue
	order    []int32 // round-robin scan order, rebuilt as slots come and go
	cursor   int
	capacity int
}

// NewManager creates a manager whose per-connection queues each hold up to
// capacity pending events.
func NewManager(capacity int) *Manager {
	return &Manager{
		arena:    NewArena(),
		queues:   make(map[int32]*Queue),
		capacity: capacity,
	}
}

// Register creates the queue for a newly connected slot.
func (m *Manager) Register(slot int32, listening bool) {
	if _, ok := m.queues[slot]; ok {
		return
	}
	m.queues[slot] = NewQueue(slot, m.capacity, m.arena, listening)
	m.order = append(m.order, slot)
}

// Unregister drops the queue for a recycled slot.
func (m *Manager) Unregister(slot int32) {
	delete(m.queues, slot)
	for i, s := range m.order {
		if s == slot {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.cursor >= len(m.order) {
		m.cursor = 0
	}
}

// Push enqueues an event for slot, if that slot has a registered queue.
func (m *Manager) Push(slot int32, kind Type, payload []byte, reason DisconnectReason) {
	if q, ok := m.queues[slot]; ok {
		q.Push(kind, payload, reason)
	}
}

// PopForConnection pops the next event for a specific slot.
func (m *Manager) PopForConnection(slot int32) (Type, []byte, DisconnectReason, bool) {
	q, ok := m.queues[slot]
	if !ok {
		return Empty, nil, ReasonNone, false
	}
	return q.Pop()
}

// PopAny pops the next event from any connection, round-robin fair across
// connections, returning the slot it came from.
func (m *Manager) PopAny() (slot int32, kind Type, payload []byte, reason DisconnectReason, ok bool) {
	n := len(m.order)
	if n == 0 {
		return 0, Empty, nil, ReasonNone, false
	}
	for i := 0; i < n; i++ {
		idx := (m.cursor + i) % n
		s := m.order[idx]
		q := m.queues[s]
		if q.Len() > 0 {
			k, p, r, popped := q.Pop()
			m.cursor = (idx + 1) % n
			return s, k, p, r, popped
		}
	}
	return 0, Empty, nil, ReasonNone, false
}

// LenForSlot reports how many events are pending for slot, or 0 if the slot
// has no registered queue.
func (m *Manager) LenForSlot(slot int32) int {
	q, ok := m.queues[slot]
	if !ok {
		return 0
	}
	return q.Len()
}

// BeginTick is called at the top of every ScheduleUpdate, before the arena is
// reclaimed. Any queue still holding events the caller never popped is reset
// with a logged warning: its payloads are about to lose their arena backing,
// so dropping them loudly beats delivering corrupt reads. Queues drained by
// the caller pass through untouched.
func (m *Manager) BeginTick() {
	for _, slot := range m.order {
		if q := m.queues[slot]; q.Len() > 0 {
			q.resetLogged()
		}
	}
	m.arena.Compact()
}
