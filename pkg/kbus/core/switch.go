// Package core implements C2–C5 of the kbus specification: the
// endpoint, the binding table, the switch core, and the control
// surface exposed to endpoints. This is the in-process equivalent of
// the kernel-mediated switch spec.md describes; nothing here talks to
// an OS device node, matching the "host-language client binding layer
// ... out of scope" non-goal — callers that want a device-file-like
// API build it on top of Endpoint.Write/Send/ReadBytes themselves.
package core

import (
	"fmt"
	"sync"

	"github.com/kynesim/kbus/internal/kbuslog"
	"github.com/kynesim/kbus/internal/kbusconfig"
	"github.com/kynesim/kbus/internal/kbusmetrics"
	"github.com/kynesim/kbus/pkg/kbus/types"
)

// ReplierBindEventName, ReplierGoneAwayName, etc. are the reserved
// "$.KBUS." synthetic message names of spec §4.4/§6.
const (
	ReplierBindEventName  types.Name = "$.KBUS.ReplierBindEvent"
	ReplierGoneAwayName   types.Name = "$.KBUS.Replier.GoneAway"
	ReplierUnboundName    types.Name = "$.KBUS.Replier.Unbound"
	ReplierNotSameName    types.Name = "$.KBUS.Replier.NotSameKsock"
	UnbindEventsLostName  types.Name = "$.KBUS.UnbindEventsLost"
	RemoteErrorNamePrefix            = "$.KBUS.RemoteError."
)

type outstandingRequest struct {
	id       types.MessageId
	name     types.Name
	senderID types.EndpointID
	replier  types.EndpointID
}

// Switch is C4: the in-kernel-equivalent routing core for one device.
// All state-mutating operations (bind, unbind, send, close) are
// serialised under mu, per spec §5's "single logical critical section
// per device"; each endpoint's own queue has its own finer-grained
// lock so unrelated endpoints' reads don't contend with it.
type Switch struct {
	DeviceNumber int

	log     kbuslog.Logger
	cfg     kbusconfig.SwitchConfig
	metrics *kbusmetrics.Device
	invoker Invoker

	mu             sync.Mutex
	endpoints      map[types.EndpointID]*Endpoint
	nextEndpointID types.EndpointID
	bindings       *BindingTable
	nextSerial     uint32
	outstanding    map[types.MessageId]*outstandingRequest

	// deferredUnbind holds unbind-event messages a subscriber
	// couldn't absorb immediately during an implicit close, per spec
	// §4.4 / Design Note 4.
	deferredUnbind map[types.EndpointID][]*types.Message
	lostPending    map[types.EndpointID]bool
}

// NewSwitch creates a new, empty device.
func NewSwitch(deviceNumber int, cfg kbusconfig.SwitchConfig, log kbuslog.Logger, metrics *kbusmetrics.Device) *Switch {
	return &Switch{
		DeviceNumber:   deviceNumber,
		log:            log,
		cfg:            cfg,
		metrics:        metrics,
		invoker:        NewInvoker(),
		endpoints:      make(map[types.EndpointID]*Endpoint),
		bindings:       NewBindingTable(),
		nextEndpointID: 1,
		nextSerial:     1,
		outstanding:    make(map[types.MessageId]*outstandingRequest),
		deferredUnbind: make(map[types.EndpointID][]*types.Message),
		lostPending:    make(map[types.EndpointID]bool),
	}
}

// Open creates a new endpoint on this device (control surface `open`).
func (sw *Switch) Open(mode Mode, pid int) *Endpoint {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	id := sw.nextEndpointID
	sw.nextEndpointID++
	ep := newEndpoint(id, pid, mode, sw, sw.cfg.DefaultQueueDepth)
	sw.endpoints[id] = ep
	if sw.metrics != nil {
		sw.metrics.EndpointCount.Inc()
	}
	sw.log.Debugf("endpoint %d opened (pid %d, mode %v)", id, pid, mode)
	return ep
}

func (sw *Switch) nextMessageID() types.MessageId {
	id := types.MessageId{NetworkID: 0, Serial: sw.nextSerial}
	sw.nextSerial++
	return id
}

// bind implements the control surface `bind` operation, including the
// reserved-name Replier restriction and atomic bind-event delivery of
// spec §4.4.
func (sw *Switch) bind(e *Endpoint, pattern types.Pattern, role Role) error {
	if err := pattern.ValidBinding(sw.cfg.MaxNameLength); err != nil {
		return err
	}
	if role == Replier && types.Name(pattern) == ReplierBindEventName {
		return types.ErrReplierBindForbidden
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if role == Replier {
		if !sw.canDeliverBindEvent() {
			return types.ErrWouldBlock
		}
	}

	if err := sw.bindings.Bind(e.ID, pattern, role); err != nil {
		return err
	}

	if role == Replier {
		sw.emitBindEvent(true, e.ID, pattern, false)
	}
	return nil
}

// canDeliverBindEvent reports whether every current subscriber to
// ReplierBindEvent has room right now, used to decide whether an
// explicit (non-close) bind/unbind must fail WouldBlock rather than
// silently defer (spec §4.4: deferral is reserved for "an implicit
// unbind during close").
func (sw *Switch) canDeliverBindEvent() bool {
	for _, ep := range sw.subscribersLocked() {
		if !ep.inbound.HasRoom() {
			return false
		}
	}
	return true
}

func (sw *Switch) subscribersLocked() []*Endpoint {
	var out []*Endpoint
	for _, ep := range sw.endpoints {
		if ep.ReportReplierBinds() {
			out = append(out, ep)
		}
	}
	return out
}

// emitBindEvent delivers (or, if deferrable, defers) a
// ReplierBindEvent to every current subscriber. Must be called with
// sw.mu held.
func (sw *Switch) emitBindEvent(isBind bool, binder types.EndpointID, pattern types.Pattern, deferrable bool) {
	name := string(pattern)
	data := make([]byte, 4+4+4+len(name)+1)
	if isBind {
		data[3] = 1
	}
	putU32(data[4:8], uint32(binder))
	putU32(data[8:12], uint32(len(name)))
	copy(data[12:], name)

	for _, sub := range sw.subscribersLocked() {
		msg := types.NewEntire(types.Header{Flags: types.Synthetic}, ReplierBindEventName, data)
		if sub.inbound.Enqueue(msg, false) {
			if sw.metrics != nil {
				sw.metrics.BindEventsSent.Inc()
			}
			continue
		}
		if !deferrable {
			// canDeliverBindEvent already guaranteed room for a
			// non-deferrable emit; reaching here would mean a racing
			// caller grew the queue's backlog between the check and
			// this point, which cannot happen since both run under
			// sw.mu.
			continue
		}
		sw.deferUnbindEvent(sub.ID, msg)
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// deferUnbindEvent appends ev to subscriber's deferred side-list,
// bounded by cfg.DeferredUnboundListSize. Overflow replaces further
// events with a single UnbindEventsLost sentinel (spec §4.4, Design
// Note 4). Must be called with sw.mu held.
func (sw *Switch) deferUnbindEvent(subscriber types.EndpointID, ev *types.Message) {
	if sw.lostPending[subscriber] {
		return
	}
	list := sw.deferredUnbind[subscriber]
	if len(list) >= sw.cfg.DeferredUnboundListSize {
		sw.lostPending[subscriber] = true
		if sw.metrics != nil {
			sw.metrics.BindEventsDropped.Inc()
		}
		return
	}
	sw.deferredUnbind[subscriber] = append(list, ev)
}

// flushDeferred retries delivery of deferred unbind events (and the
// lost-sentinel, if pending) for subscriber, called whenever its
// queue gains room.
func (sw *Switch) flushDeferred(subscriber types.EndpointID) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	ep, ok := sw.endpoints[subscriber]
	if !ok {
		return
	}
	list := sw.deferredUnbind[subscriber]
	for len(list) > 0 && ep.inbound.Enqueue(list[0], false) {
		list = list[1:]
	}
	sw.deferredUnbind[subscriber] = list
	if len(list) == 0 && sw.lostPending[subscriber] {
		sentinel := types.NewEntire(types.Header{Flags: types.Synthetic}, UnbindEventsLostName, nil)
		if ep.inbound.Enqueue(sentinel, false) {
			sw.lostPending[subscriber] = false
		}
	}
}

// send is C4's `send` protocol (spec §4.4), invoked by
// Endpoint.Send once it has decoded the composed wire buffer.
func (sw *Switch) send(sender *Endpoint, msg *types.Message) (types.MessageId, error) {
	if err := msg.Validate(sw.cfg.MaxNameLength, sw.cfg.MaxEntireMessageSize); err != nil {
		return types.MessageId{}, err
	}
	// Requests to the switch's own reserved namespace get no special
	// case here: only a Replier binding to exactly ReplierBindEvent is
	// refused at bind time, so a reserved name resolves like any other
	// and fails AddressNotAvailable only when no Replier matches it.
	switch {
	case msg.IsReply():
		return sw.sendReply(sender, msg)
	case msg.IsRequest():
		return sw.sendRequest(sender, msg)
	default:
		return sw.sendAnnouncement(sender, msg)
	}
}

func (sw *Switch) sendReply(sender *Endpoint, msg *types.Message) (types.MessageId, error) {
	sw.mu.Lock()
	ob, ok := sw.outstanding[msg.InReplyTo()]
	if !ok || ob.replier != sender.ID {
		sw.mu.Unlock()
		return types.MessageId{}, types.ErrConnectionRefused
	}
	if msg.To() != 0 && msg.To() != ob.senderID {
		sw.mu.Unlock()
		return types.MessageId{}, types.ErrConnectionRefused
	}
	recipient, recipientOK := sw.endpoints[ob.senderID]
	delete(sw.outstanding, msg.InReplyTo())
	id := sw.nextMessageID()
	sw.mu.Unlock()

	sender.clearReplyObligation(msg.InReplyTo())

	reply := msg.Clone()
	reply.SetID(id)
	reply.SetFrom(sender.ID)
	reply.SetTo(ob.senderID)

	if recipientOK {
		recipient.inbound.Enqueue(reply, msg.Flags().Has(types.Urgent))
		recipient.releaseRequestSlot()
	}
	if sw.metrics != nil {
		sw.metrics.MessagesRouted.Inc()
	}
	return id, nil
}

func (sw *Switch) sendRequest(sender *Endpoint, msg *types.Message) (types.MessageId, error) {
	sw.mu.Lock()
	replierID, listeners := sw.bindings.Resolve(msg.Name())
	if replierID == nil {
		sw.mu.Unlock()
		return types.MessageId{}, types.ErrAddressNotAvailable
	}
	if msg.To() != 0 && msg.To() != *replierID {
		sw.mu.Unlock()
		return types.MessageId{}, types.ErrAddressNotAvailable
	}
	replier := sw.endpoints[*replierID]
	sw.mu.Unlock()

	if !sender.reserveRequestSlot() {
		return types.MessageId{}, types.ErrNoLocks
	}

	targets := sw.buildTargets(replier, listeners, sender.ID)
	if err := sw.admitAndDeliver(sender, msg, targets, true); err != nil {
		sender.releaseRequestSlot()
		return types.MessageId{}, err
	}

	sw.mu.Lock()
	id := msg.ID()
	sw.outstanding[id] = &outstandingRequest{id: id, name: msg.Name(), senderID: sender.ID, replier: *replierID}
	sw.mu.Unlock()
	return id, nil
}

func (sw *Switch) sendAnnouncement(sender *Endpoint, msg *types.Message) (types.MessageId, error) {
	sw.mu.Lock()
	_, listeners := sw.bindings.Resolve(msg.Name())
	sw.mu.Unlock()

	targets := sw.buildTargets(nil, listeners, sender.ID)
	if err := sw.admitAndDeliver(sender, msg, targets, false); err != nil {
		return types.MessageId{}, err
	}
	return msg.ID(), nil
}

// deliveryTarget is one (endpoint, copies, wantYouToReply) recipient
// of an admitted send.
type deliveryTarget struct {
	endpoint       *Endpoint
	copies         int
	wantYouToReply bool
}

// buildTargets turns a resolved Replier + Listener match-count map
// into the concrete per-endpoint delivery plan, applying each
// endpoint's own only_once flag and the "Replier copy precedes
// Listener copy" ordering invariant of spec §5.2 / Design Note.
func (sw *Switch) buildTargets(replier *Endpoint, listeners map[types.EndpointID]int, senderID types.EndpointID) []deliveryTarget {
	var targets []deliveryTarget
	replierAlsoListener := false

	if replier != nil {
		targets = append(targets, deliveryTarget{endpoint: replier, copies: 1, wantYouToReply: true})
		if _, ok := listeners[replier.ID]; ok && replier.OnlyOnce() {
			// The open question of §9: when a single endpoint holds
			// both a Replier and a Listener binding for the same name
			// and has only_once set, the Replier copy already
			// satisfies "at most once" for that endpoint.
			replierAlsoListener = true
			delete(listeners, replier.ID)
		}
	}
	_ = replierAlsoListener

	sw.mu.Lock()
	defer sw.mu.Unlock()
	for id, count := range listeners {
		ep, ok := sw.endpoints[id]
		if !ok {
			continue
		}
		if ep.OnlyOnce() {
			count = 1
		}
		targets = append(targets, deliveryTarget{endpoint: ep, copies: count})
	}
	return targets
}

// admitAndDeliver stamps msg (from, id) and applies the backpressure
// discipline of spec §4.2 across every target, honouring
// isRequest to single out the Busy-on-full-Replier-queue
// exception for default-flag Requests.
func (sw *Switch) admitAndDeliver(sender *Endpoint, msg *types.Message, targets []deliveryTarget, isRequest bool) error {
	flags := msg.Flags()
	urgent := flags.Has(types.Urgent)

	// A message re-admitted by a bridge on behalf of a peer already
	// carries a network-tagged id (spec §4.6); only messages composed
	// fresh by a local sender get one stamped here. Preserving it is
	// what lets a bridge's "id.network_id == peer's network id" loop
	// check ever see a match once the message has been admitted once.
	if msg.ID().Unset() {
		sw.mu.Lock()
		id := sw.nextMessageID()
		sw.mu.Unlock()
		msg.SetID(id)
	}
	msg.SetFrom(sender.ID)

	switch {
	case flags.Has(types.AllOrFail):
		if !allHaveRoom(targets) {
			return types.ErrBusy
		}
	case flags.Has(types.AllOrWait):
		for !allHaveRoom(targets) {
			if !waitAny(targets, sender.closeSignal()) {
				return types.ErrEndpointClosed
			}
		}
	default:
		if isRequest {
			for _, t := range targets {
				if t.wantYouToReply && !t.endpoint.inbound.HasRoom() {
					return types.ErrBusy
				}
			}
		}
	}

	for _, t := range targets {
		for i := 0; i < t.copies; i++ {
			copyMsg := msg.Clone()
			if t.wantYouToReply {
				copyMsg.SetFlags(flags.Set(types.WantYouToReply))
			} else {
				copyMsg.SetFlags(flags.Clear(types.WantYouToReply))
			}
			if t.endpoint.inbound.Enqueue(copyMsg, urgent) {
				if sw.metrics != nil {
					sw.metrics.MessagesRouted.Inc()
				}
			} else if sw.metrics != nil {
				sw.metrics.MessagesDropped.Inc()
			}
		}
	}
	return nil
}

func allHaveRoom(targets []deliveryTarget) bool {
	for _, t := range targets {
		need := t.copies
		// HasRoom only tells us about one free slot; for multi-copy
		// listener deliveries we approximate by requiring at least
		// `need` free slots via repeated, consistent checks under the
		// switch's serialised send path (no concurrent sender can grow
		// this queue between check and commit of the same operation).
		if !hasRoomFor(t.endpoint, need) {
			return false
		}
	}
	return true
}

func hasRoomFor(ep *Endpoint, n int) bool {
	return ep.inbound.Capacity()-ep.inbound.Len() >= n
}

func waitAny(targets []deliveryTarget, done <-chan struct{}) bool {
	// Block on whichever target lacks room; since sends are
	// serialised per device, waking on any one queue's change is
	// enough to re-check the whole target set.
	for _, t := range targets {
		if !hasRoomFor(t.endpoint, t.copies) {
			return t.endpoint.inbound.WaitRoom(done)
		}
	}
	return true
}

// closeEndpoint implements endpoint close (spec §4.4): generates
// Replier.GoneAway for every outstanding obligation this endpoint
// owed as Replier, removes its bindings (emitting or deferring
// ReplierBindEvent unbinds), and discards its queue.
func (sw *Switch) closeEndpoint(e *Endpoint) {
	sw.mu.Lock()

	var goneAway []*outstandingRequest
	for id, ob := range sw.outstanding {
		if ob.replier == e.ID {
			goneAway = append(goneAway, ob)
			delete(sw.outstanding, id)
		}
	}

	removed := sw.bindings.RemoveEndpoint(e.ID)
	for _, b := range removed {
		if b.Role == Replier {
			sw.emitBindEvent(false, e.ID, b.Pattern, true)
		}
	}

	delete(sw.endpoints, e.ID)
	delete(sw.deferredUnbind, e.ID)
	delete(sw.lostPending, e.ID)
	if sw.metrics != nil {
		sw.metrics.EndpointCount.Dec()
	}
	sw.mu.Unlock()

	e.inbound.CloseForWaiters()
	e.inbound.Drain()

	for _, ob := range goneAway {
		sw.deliverSynthetic(ob, ReplierGoneAwayName)
	}
	sw.log.Debugf("endpoint %d closed", e.ID)
}

// unbind implements the control surface `unbind` operation, including
// (for a Replier unbind) synthesising $.KBUS.Replier.Unbound for every
// Request this endpoint still owes an answer to whose name matches the
// pattern being unbound (spec §4.4: "Replier unbind. Same as close,
// but the synthetic name is $.KBUS.Replier.Unbound").
func (sw *Switch) unbind(e *Endpoint, pattern types.Pattern, role Role) error {
	sw.mu.Lock()

	if role == Replier {
		if !sw.canDeliverBindEvent() {
			sw.mu.Unlock()
			return types.ErrWouldBlock
		}
	}

	if err := sw.bindings.Unbind(e.ID, pattern, role); err != nil {
		sw.mu.Unlock()
		return err
	}

	var unbound []*outstandingRequest
	if role == Replier {
		sw.emitBindEvent(false, e.ID, pattern, false)
		for id, ob := range sw.outstanding {
			if ob.replier == e.ID && pattern.Matches(ob.name) {
				unbound = append(unbound, ob)
				delete(sw.outstanding, id)
			}
		}
	}
	sw.mu.Unlock()

	for _, ob := range unbound {
		sw.deliverSynthetic(ob, ReplierUnboundName)
	}
	return nil
}

// deliverSynthetic enqueues a synthetic reply (Replier.GoneAway on
// close, Replier.Unbound on an explicit unbind) to ob's original
// sender and releases the reply slot it reserved, per spec §4.4.
func (sw *Switch) deliverSynthetic(ob *outstandingRequest, name types.Name) {
	sw.mu.Lock()
	sender, ok := sw.endpoints[ob.senderID]
	sw.mu.Unlock()
	if !ok {
		return
	}
	msg := types.NewEntire(types.Header{
		InReplyTo: ob.id,
		To:        ob.senderID,
		From:      0,
		Flags:     types.Synthetic,
	}, name, nil)
	sender.inbound.Enqueue(msg, false)
	sender.releaseRequestSlot()
	if sw.metrics != nil {
		sw.metrics.SyntheticEmitted.Inc()
	}
}

// ListBindings backs the introspection surface of spec §6.
func (sw *Switch) ListBindings() []Binding {
	return sw.bindings.List()
}

// Shutdown waits for every background goroutine this device's
// endpoints have spawned through sw.invoker (the wait-cancellation
// watchers behind AllOrWait sends and blocking reads) to finish. Not
// required for correctness — those goroutines are already
// self-terminating — but it gives a host process a single call to
// block on before exiting, the same guarantee the teacher's own
// Invoker gives its Peer.
func (sw *Switch) Shutdown() {
	sw.invoker.Stop()
}

// String renders one line per binding in the
// "device: endpoint_id pid role name" form of spec §6. The exact
// textual encoding is explicitly not load-bearing; this is a
// convenience for manual inspection, not a wire format.
func (sw *Switch) String() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := ""
	for _, b := range sw.bindings.bindings {
		pid := 0
		if ep, ok := sw.endpoints[b.Endpoint]; ok {
			pid = ep.PID
		}
		out += fmt.Sprintf("%d: %d %d %s %s\n", sw.DeviceNumber, b.Endpoint, pid, b.Role, b.Pattern)
	}
	return out
}
