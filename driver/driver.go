// Package driver implements the cooperative single-threaded driver loop: the
// public Bind/Listen/Connect/Accept/BeginSend/EndSend/PopEvent/ScheduleUpdate
// surface that orchestrates a transport.Interface, the connection state
// machine in wire, the connection table, the event queue and a pipeline into
// one tick. It generalizes the teacher's goroutine-per-connection
// Server.Start/listen/updateLoop/sessionCleanupLoop split
// (source/server/server.go) into a single ScheduleUpdate call the caller
// drives explicitly, with no internal goroutines of its own.
package driver

import (
	"net"

	"github.com/pkg/errors"

	"github.com/riftnet/riftnet/codec"
	"github.com/riftnet/riftnet/conntable"
	"github.com/riftnet/riftnet/events"
	"github.com/riftnet/riftnet/internal/clock"
	"github.com/riftnet/riftnet/pipeline"
	"github.com/riftnet/riftnet/pkg/logger"
	"github.com/riftnet/riftnet/transport"
	"github.com/riftnet/riftnet/wire"
)

// initialAttemptSentinel seeds a freshly Connecting record's LastAttemptMS
// deep in the past, so the very first ScheduleUpdate's attempt-timer check
// fires immediately instead of waiting a full ConnectTimeoutMS before the
// first ConnectionRequest goes out.
const initialAttemptSentinel = -(int64(1) << 40)

// pendingSend correlates a *codec.Writer handed out by BeginSend back to the
// transport.SendHandle and pipeline it was staged against, since EndSend's
// signature (matching spec §4.4) takes only the writer.
type pendingSend struct {
	handle   Handle
	sh       transport.SendHandle
	pipeline *pipeline.Pipeline
}

// Driver is the orchestration core: one Interface, one connection table, one
// event manager, one virtual clock, ticked by repeated ScheduleUpdate calls.
type Driver struct {
	iface     transport.Interface
	sendIface transport.SendInterface
	sendQueue transport.SendQueue
	receiver  *transport.StreamReceiver

	table  *conntable.Table
	evMgr  *events.Manager
	clock  *clock.Source
	timers wire.Timers

	pipeline *pipeline.Pipeline

	listening        bool
	nextToken        uint16
	pendingAccept    []int32
	malformedDropped uint64

	pending map[*codec.Writer]pendingSend
}

// New builds a Driver around iface, sending Data traffic through pl. pl is
// also the default used when the caller's BeginSend passes a differently
// configured pipeline value that still agrees on capacities; in practice one
// process uses one pipeline shape for the lifetime of the Driver.
func New(iface transport.Interface, pl *pipeline.Pipeline, opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewRealtime()
	}
	return &Driver{
		iface:     iface,
		sendIface: iface.CreateSendInterface(),
		sendQueue: transport.NewMPSCQueue(),
		receiver:  transport.NewStreamReceiver(cfg.ReceiveBufferSize, cfg.DynamicDataStreamSize),
		table:     conntable.NewTable(cfg.Capacity),
		evMgr:     events.NewManager(cfg.EventQueueCapacity),
		clock:     clk,
		timers:    cfg.Timers,
		pipeline:  pl,
		pending:   make(map[*codec.Writer]pendingSend),
	}
}

// Bind resolves generic through the interface's endpoint parser and binds it.
func (d *Driver) Bind(generic string) error {
	addr, err := d.iface.CreateInterfaceEndPoint(generic)
	if err != nil {
		return err
	}
	if err := d.iface.Bind(addr); err != nil {
		return err
	}
	logger.Info("driver bound on %s", addr)
	return nil
}

// Listen marks this driver as a passive side: only a listening driver will
// allocate a slot for an inbound ConnectionRequest.
func (d *Driver) Listen() {
	d.listening = true
}

// Connect allocates a Connecting slot for generic. The first ConnectionRequest
// goes out on the next ScheduleUpdate's timer-service pass, not synchronously
// here.
func (d *Driver) Connect(generic string) (Handle, error) {
	addr, err := d.iface.CreateInterfaceEndPoint(generic)
	if err != nil {
		return NilHandle, err
	}
	if _, ok := d.table.FindByAddr(addr); ok {
		return NilHandle, errors.Errorf("driver: already have a connection to %v", addr)
	}
	gen, rec, ok := d.table.Allocate(addr)
	if !ok {
		return NilHandle, errors.New("driver: connection table full")
	}
	rec.State = wire.Connecting
	rec.Token = d.newToken()
	rec.ConnectAttempts = 0
	rec.LastAttemptMS = initialAttemptSentinel
	d.evMgr.Register(rec.Slot, false)
	return Handle{Slot: rec.Slot, Generation: gen}, nil
}

// Disconnect tears down a live connection from the local side: best-effort
// Disconnect datagram, then Disconnected with reason ClosedByLocal. Returns
// false for an already-stale or unknown handle.
func (d *Driver) Disconnect(h Handle) bool {
	rec, ok := d.table.Resolve(h.Slot, h.Generation)
	if !ok || rec.State == wire.Disconnected {
		return false
	}
	d.releaseSlot(rec, events.ReasonClosedByLocal)
	return true
}

// Accept returns the next AwaitingResponse slot whose accept event is still
// pending, transitioning it to Connected and enqueueing its Connect event.
// Returns an uncreated handle if none is pending.
func (d *Driver) Accept() Handle {
	for len(d.pendingAccept) > 0 {
		slot := d.pendingAccept[0]
		d.pendingAccept = d.pendingAccept[1:]
		rec, ok := d.table.Lookup(slot)
		if !ok || rec.State != wire.AwaitingResponse {
			continue
		}
		d.finishAccept(rec)
		return Handle{Slot: rec.Slot, Generation: rec.Generation}
	}
	return NilHandle
}

// finishAccept is the shared Connected transition for an AwaitingResponse
// record, reachable either from an explicit Accept() call or implicitly from
// any correctly-tokened datagram arriving before Accept() was called.
func (d *Driver) finishAccept(rec *conntable.Record) {
	rec.State = wire.Connected
	rec.PipelineScratch = d.pipeline.NewConnectionStorage()
	d.removePendingAccept(rec.Slot)
	d.evMgr.Push(rec.Slot, events.Connect, nil, events.ReasonNone)
}

func (d *Driver) removePendingAccept(slot int32) {
	for i, s := range d.pendingAccept {
		if s == slot {
			d.pendingAccept = append(d.pendingAccept[:i], d.pendingAccept[i+1:]...)
			return
		}
	}
}

// BeginSend acquires a temporary MTU-sized staging buffer and returns a
// writer over the portion past the fixed header and p's header reserve.
func (d *Driver) BeginSend(p *pipeline.Pipeline, h Handle) (*codec.Writer, bool) {
	rec, ok := d.table.Resolve(h.Slot, h.Generation)
	if !ok || rec.State != wire.Connected {
		return nil, false
	}
	sh := d.sendIface.BeginSendMessage()
	reserve := wire.HEADER_SIZE + p.HeaderReserve()
	if reserve > len(sh.Buf) {
		d.sendIface.AbortSendMessage(sh)
		return nil, false
	}
	w := codec.NewWriter(sh.Buf[reserve:])
	d.pending[w] = pendingSend{handle: h, sh: sh, pipeline: p}
	return w, true
}

// EndSend runs the pipeline's send chain over whatever w accumulated, fills
// the fixed Data header, and enqueues the finished datagram onto the
// interface's send queue. Returns the bytes written, or 0 on any failure
// (stale handle, disconnected, over-capacity, pipeline rejection) — the
// staging buffer is always released either way. Any Requests the chain
// raised (resend, fault, a pending Update flush) are applied before the
// datagram is queued.
func (d *Driver) EndSend(w *codec.Writer) int {
	ps, ok := d.pending[w]
	if ok {
		delete(d.pending, w)
	}
	if !ok {
		return 0
	}
	rec, resolved := d.table.Resolve(ps.handle.Slot, ps.handle.Generation)
	if !resolved || rec.State != wire.Connected || rec.PipelineScratch == nil {
		d.sendIface.AbortSendMessage(ps.sh)
		return 0
	}
	if w.FailedWrites() > 0 {
		d.sendIface.AbortSendMessage(ps.sh)
		return 0
	}
	payload := w.Bytes()
	piped, reqs, ok := ps.pipeline.Send(rec.PipelineScratch, payload)
	d.applyRequests(rec, reqs)
	if !ok || reqs.Has(pipeline.RequestError) {
		d.sendIface.AbortSendMessage(ps.sh)
		return 0
	}
	// A splitter pipeline always routes through Split so every datagram
	// carries a fragment header for the peer's reassembly stage, even when
	// the buffer would have fit a single datagram.
	if splitter, hasSplitter := ps.pipeline.Splitter(); hasSplitter {
		return d.sendFragmented(rec, ps.sh, splitter, piped)
	}
	total := wire.HEADER_SIZE + len(piped)
	if total > len(ps.sh.Buf) {
		d.sendIface.AbortSendMessage(ps.sh)
		return 0
	}
	hw := codec.NewWriter(ps.sh.Buf)
	hdr := wire.Header{Type: wire.Data, Token: rec.Token}
	if !hdr.Encode(hw) || !hw.WriteBytes(piped) {
		d.sendIface.AbortSendMessage(ps.sh)
		return 0
	}
	rec.LastSendMS = d.clock.NowMS()
	d.sendIface.EndSendMessage(ps.sh, total, rec.Addr, d.sendQueue)
	return total
}

// sendFragmented fans an already pipeline-encoded buffer across one or more
// wire-sized datagrams via splitter.Split, releasing the original staging
// handle and acquiring one fresh SendHandle per chunk. Returns the summed
// bytes written across every datagram, or 0 if any chunk doesn't fit its own
// staging buffer.
func (d *Driver) sendFragmented(rec *conntable.Record, unused transport.SendHandle, splitter pipeline.Splitter, piped []byte) int {
	d.sendIface.AbortSendMessage(unused)
	chunks := splitter.Split(piped)
	total := 0
	for _, chunk := range chunks {
		sh := d.sendIface.BeginSendMessage()
		n := wire.HEADER_SIZE + len(chunk)
		if n > len(sh.Buf) {
			d.sendIface.AbortSendMessage(sh)
			return 0
		}
		w := codec.NewWriter(sh.Buf)
		hdr := wire.Header{Type: wire.Data, Token: rec.Token}
		if !hdr.Encode(w) || !w.WriteBytes(chunk) {
			d.sendIface.AbortSendMessage(sh)
			return 0
		}
		d.sendIface.EndSendMessage(sh, n, rec.Addr, d.sendQueue)
		total += n
	}
	rec.LastSendMS = d.clock.NowMS()
	return total
}

// PopEvent pops the next event from any connection, round-robin fair.
func (d *Driver) PopEvent() (Handle, events.Type, *codec.Reader, events.DisconnectReason) {
	slot, kind, payload, reason, ok := d.evMgr.PopAny()
	if !ok {
		return NilHandle, events.Empty, nil, events.ReasonNone
	}
	rec, _ := d.table.Lookup(slot)
	return Handle{Slot: slot, Generation: rec.Generation}, kind, readerFor(payload), reason
}

// PopEventForConnection pops the next event for h's specific slot, or Empty
// if the handle is stale or the slot has no pending events.
func (d *Driver) PopEventForConnection(h Handle) (events.Type, *codec.Reader, events.DisconnectReason) {
	rec, ok := d.table.Resolve(h.Slot, h.Generation)
	if !ok {
		return events.Empty, nil, events.ReasonNone
	}
	kind, payload, reason, ok := d.evMgr.PopForConnection(rec.Slot)
	if !ok {
		return events.Empty, nil, events.ReasonNone
	}
	return kind, readerFor(payload), reason
}

func readerFor(payload []byte) *codec.Reader {
	if payload == nil {
		return nil
	}
	return codec.NewReader(payload)
}

// ScheduleUpdate runs one tick: reset any event queues the caller left
// undrained (their arena backing is reclaimed now, so the events could no
// longer be delivered intact), reclaim fully-drained Disconnected slots,
// drain the interface receive queue, dispatch each datagram, service timers,
// then flush sends. Callers must pop all pending events between ticks.
func (d *Driver) ScheduleUpdate() Completion {
	d.evMgr.BeginTick()
	d.reclaimDisconnected()

	d.receiver.Reset()
	if code := d.iface.ScheduleReceive(d.receiver); code != 0 {
		logger.Error("Error on receive %d", code)
		return completedErr(errors.Errorf("driver: receive error %d", code))
	}
	for i, tuple := range d.receiver.Packets() {
		d.handleDatagram(d.receiver.PacketData(i), tuple.From)
	}

	d.serviceTimers()

	if err := d.iface.ScheduleSend(d.sendQueue); err != nil {
		return completedErr(err)
	}
	return completedOK()
}

// reclaimDisconnected frees slots whose Disconnect event has already been
// popped by the user (the per-slot queue is empty) and no further outbound
// is pending, per §3's lifecycle rule.
func (d *Driver) reclaimDisconnected() {
	var toRelease []int32
	d.table.Each(func(r *conntable.Record) {
		if r.State == wire.Disconnected && d.evMgr.LenForSlot(r.Slot) == 0 {
			toRelease = append(toRelease, r.Slot)
		}
	})
	for _, slot := range toRelease {
		d.table.Release(slot)
		d.evMgr.Unregister(slot)
	}
}

// serviceTimers walks every live record evaluating attempt/liveness/heartbeat
// timers against the just-advanced virtual clock.
func (d *Driver) serviceTimers() {
	now := d.clock.Advance()
	var live []*conntable.Record
	d.table.Each(func(r *conntable.Record) { live = append(live, r) })

	for _, r := range live {
		switch r.State {
		case wire.Connecting:
			switch wire.EvaluateAttemptTimer(now, r.LastAttemptMS, r.ConnectAttempts, d.timers) {
			case wire.AttemptResend:
				r.ConnectAttempts++
				r.LastAttemptMS = now
				d.sendControl(r, wire.ConnectionRequest)
			case wire.AttemptGiveUp:
				d.releaseSlot(r, events.ReasonConnectionTimeout)
			}
		case wire.AwaitingResponse:
			if wire.LivenessExpired(now, r.LastReceiveMS, d.timers) {
				d.releaseSlot(r, events.ReasonTimeout)
			}
		case wire.Connected:
			if wire.LivenessExpired(now, r.LastReceiveMS, d.timers) {
				d.releaseSlot(r, events.ReasonTimeout)
				continue
			}
			if wire.HeartbeatDue(now, r.LastSendMS, d.timers) {
				d.sendControl(r, wire.Ping)
			}
			if r.PipelineUpdatePending {
				r.PipelineUpdatePending = false
				d.flushPipelineUpdate(r)
			}
		}
	}
}

// releaseSlot sends a best-effort Disconnect, marks the record Disconnected
// with reason, and enqueues the user-facing Disconnect event. The slot
// itself is reclaimed later, once the user has popped that event (see
// reclaimDisconnected).
func (d *Driver) releaseSlot(rec *conntable.Record, reason events.DisconnectReason) {
	if rec.State == wire.Disconnected {
		return
	}
	d.sendControl(rec, wire.Disconnect)
	rec.State = wire.Disconnected
	rec.DisconnectReason = reason
	d.removePendingAccept(rec.Slot)
	d.evMgr.Push(rec.Slot, events.Disconnect, nil, reason)
}

// applyRequests is the single place that consumes the Requests out-parameter
// a pipeline stage raised during Send or Receive, per spec §4.5: RequestError
// faults the connection outright, RequestUpdate schedules a no-new-payload
// Send re-run during the next timer-service pass, and RequestResend
// re-transmits whatever buffer the stage reconstructed.
func (d *Driver) applyRequests(rec *conntable.Record, reqs pipeline.Requests) {
	if reqs.Has(pipeline.RequestError) {
		d.releaseSlot(rec, events.ReasonPipelineFault)
		return
	}
	if reqs.Has(pipeline.RequestUpdate) {
		rec.PipelineUpdatePending = true
	}
	if reqs.Has(pipeline.RequestResend) {
		for _, buf := range reqs.Buffers {
			d.emitPipelineBuffer(rec, buf)
		}
	}
}

// emitPipelineBuffer dispatches an already pipeline-encoded buffer (a resend
// or an Update flush), routing through the pipeline's splitter when it has
// one so every datagram stays uniformly fragment-tagged for the peer.
func (d *Driver) emitPipelineBuffer(rec *conntable.Record, buf []byte) {
	if splitter, ok := d.pipeline.Splitter(); ok {
		for _, chunk := range splitter.Split(buf) {
			d.emitDatagram(rec, chunk)
		}
		return
	}
	d.emitDatagram(rec, buf)
}

// emitDatagram wraps one wire-ready buffer in the fixed Data header and
// enqueues it, bypassing BeginSend/EndSend's writer/pending bookkeeping
// since the caller already has the finished bytes in hand.
func (d *Driver) emitDatagram(rec *conntable.Record, buf []byte) {
	sh := d.sendIface.BeginSendMessage()
	total := wire.HEADER_SIZE + len(buf)
	if total > len(sh.Buf) {
		d.sendIface.AbortSendMessage(sh)
		return
	}
	w := codec.NewWriter(sh.Buf)
	hdr := wire.Header{Type: wire.Data, Token: rec.Token}
	if !hdr.Encode(w) || !w.WriteBytes(buf) {
		d.sendIface.AbortSendMessage(sh)
		return
	}
	rec.LastSendMS = d.clock.NowMS()
	d.sendIface.EndSendMessage(sh, total, rec.Addr, d.sendQueue)
}

// flushPipelineUpdate re-invokes the pipeline's Send chain with no new
// payload for a record that raised RequestUpdate, transmitting whatever the
// stages produce (e.g. accumulated ACKs folded into their header). Nothing
// is sent if the chain has nothing to flush.
func (d *Driver) flushPipelineUpdate(rec *conntable.Record) {
	if rec.PipelineScratch == nil {
		return
	}
	out, reqs, ok := d.pipeline.Send(rec.PipelineScratch, nil)
	d.applyRequests(rec, reqs)
	if !ok || reqs.Has(pipeline.RequestError) || len(out) == 0 {
		return
	}
	d.emitPipelineBuffer(rec, out)
}

// sendControl emits a bare header-only control datagram (no payload, no
// pipeline), bypassing BeginSend/EndSend entirely.
func (d *Driver) sendControl(rec *conntable.Record, t wire.PacketType) {
	sh := d.sendIface.BeginSendMessage()
	w := codec.NewWriter(sh.Buf)
	hdr := wire.Header{Type: t, Token: rec.Token}
	if !hdr.Encode(w) {
		d.sendIface.AbortSendMessage(sh)
		return
	}
	d.sendIface.EndSendMessage(sh, w.LengthBytes(), rec.Addr, d.sendQueue)
	rec.LastSendMS = d.clock.NowMS()
}

func (d *Driver) newToken() uint16 {
	d.nextToken++
	if d.nextToken == 0 {
		d.nextToken = 1
	}
	return d.nextToken
}

// MalformedDropped reports how many inbound datagrams were dropped for a
// short/unknown header or a token that didn't match their record.
func (d *Driver) MalformedDropped() uint64 {
	return d.malformedDropped
}

// handleDatagram decodes the fixed header and dispatches by packet type.
// Malformed or unrecognized datagrams are dropped silently and counted.
func (d *Driver) handleDatagram(raw []byte, addr net.Addr) {
	hdr, code := wire.DecodeHeader(raw)
	if code != wire.OK {
		d.malformedDropped++
		return
	}
	switch hdr.Type {
	case wire.ConnectionRequest:
		d.handleConnectionRequest(hdr, addr)
	case wire.ConnectionAccept:
		d.handleConnectionAccept(hdr, addr)
	case wire.Disconnect:
		d.handleDisconnectPacket(hdr, addr)
	case wire.Ping:
		d.handleTokenedDatagram(hdr, addr, nil)
	case wire.Data:
		d.handleTokenedDatagram(hdr, addr, raw[wire.HEADER_SIZE:])
	}
}

func (d *Driver) handleConnectionRequest(hdr wire.Header, addr net.Addr) {
	if !d.listening {
		return
	}
	if rec, ok := d.table.FindByAddr(addr); ok {
		switch rec.State {
		case wire.AwaitingResponse:
			if rec.Token == hdr.Token {
				d.sendControl(rec, wire.ConnectionAccept) // duplicate: resend, no new slot
			}
			return
		case wire.Connected:
			if rec.Token == hdr.Token {
				return // duplicate of an already-open session
			}
			d.releaseSlot(rec, events.ReasonPeerRestart) // fall through, open a new slot below
		case wire.Connecting:
			return
		}
	}

	_, rec, ok := d.table.Allocate(addr)
	if !ok {
		logger.Warn("driver: connection table full, dropping ConnectionRequest from %v", addr)
		return
	}
	rec.State = wire.AwaitingResponse
	rec.Token = hdr.Token
	rec.LastReceiveMS = d.clock.NowMS()
	rec.LastSendMS = d.clock.NowMS()
	rec.Listening = true
	d.evMgr.Register(rec.Slot, true)
	d.pendingAccept = append(d.pendingAccept, rec.Slot)
	d.sendControl(rec, wire.ConnectionAccept)
}

func (d *Driver) handleConnectionAccept(hdr wire.Header, addr net.Addr) {
	rec, ok := d.table.FindByAddr(addr)
	if !ok || rec.State != wire.Connecting || rec.Token != hdr.Token {
		return
	}
	rec.State = wire.Connected
	rec.LastReceiveMS = d.clock.NowMS()
	rec.LastSendMS = d.clock.NowMS()
	rec.PipelineScratch = d.pipeline.NewConnectionStorage()
	d.evMgr.Push(rec.Slot, events.Connect, nil, events.ReasonNone)
}

func (d *Driver) handleDisconnectPacket(hdr wire.Header, addr net.Addr) {
	rec, ok := d.table.FindByAddr(addr)
	if !ok || rec.Token != hdr.Token || rec.State == wire.Disconnected {
		return
	}
	rec.State = wire.Disconnected // skip the best-effort reply sendControl would issue
	rec.DisconnectReason = events.ReasonClosedByRemote
	d.removePendingAccept(rec.Slot)
	d.evMgr.Push(rec.Slot, events.Disconnect, nil, events.ReasonClosedByRemote)
}

// handleTokenedDatagram services Data and Ping, both of which refresh
// liveness and, for a still-pending AwaitingResponse record, implicitly
// complete the accept the same way an explicit Accept() call would.
func (d *Driver) handleTokenedDatagram(hdr wire.Header, addr net.Addr, payload []byte) {
	rec, ok := d.table.FindByAddr(addr)
	if !ok {
		return
	}
	if rec.Token != hdr.Token {
		d.malformedDropped++
		return
	}
	switch rec.State {
	case wire.AwaitingResponse:
		d.finishAccept(rec)
	case wire.Connected:
	default:
		return
	}
	rec.LastReceiveMS = d.clock.NowMS()
	if payload == nil || rec.PipelineScratch == nil {
		return
	}
	out, reqs, ok := d.pipeline.Receive(rec.PipelineScratch, payload)
	d.applyRequests(rec, reqs)
	if reqs.Has(pipeline.RequestError) {
		return
	}
	if !ok {
		switch {
		case reqs.Has(pipeline.RequestDuplicate):
			rec.DuplicateCount++
			logger.Debug("dropped duplicate datagram (slot=%d, duplicates=%d)", rec.Slot, rec.DuplicateCount)
		case reqs.Has(pipeline.RequestConsumed):
			// control traffic or a buffered partial, fully handled in-stage
		default:
			rec.ReorderedCount++
			logger.Debug("dropped out-of-order datagram (slot=%d, reordered=%d)", rec.Slot, rec.ReorderedCount)
		}
		return
	}
	d.evMgr.Push(rec.Slot, events.Data, out, events.ReasonNone)
	// An in-order delivery may have closed a reorder gap: surface whatever a
	// stage had been holding back, in order, as further Data events.
	for _, held := range d.pipeline.DrainReady(rec.PipelineScratch) {
		d.evMgr.Push(rec.Slot, events.Data, held, events.ReasonNone)
	}
}
