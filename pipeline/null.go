package pipeline

// Null is the zero-overhead pipeline stage: no header, no scratch, payload
// passes through untouched. It is the default pipeline raw Data datagrams
// flow through when a connection requests no reliability features.
type Null struct{}

func (Null) Name() string { return "null" }

func (Null) Capacities() Capacities {
	return Capacities{}
}

func (Null) InitializeConnection(*Scratch) {}

func (Null) Send(_ *Scratch, buf []byte, _ *Requests) ([]byte, bool) {
	return buf, true
}

func (Null) Receive(_ *Scratch, buf []byte, _ *Requests) ([]byte, bool) {
	return buf, true
}
