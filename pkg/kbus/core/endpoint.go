package core

import (
	"sync"

	"github.com/kynesim/kbus/pkg/kbus/types"
)

// Mode is the open mode an endpoint was created with (spec §6).
type Mode int

const (
	ReadWrite Mode = iota
	ReadOnly
)

// sendState tracks whether the send-buffer of spec §4.2 is idle or
// composing; there is no separate pending-send state.
type sendState int

const (
	sendIdle sendState = iota
	sendComposing
)

// readCursor is the cursor-based read state of spec §4.5:
// NextMessageLength pops the head message off the queue and opens it
// for reading, returning its encoded length; ReadBytes consumes from
// the cursor; starting a new NextMessageLength discards any unread
// remainder of whatever this cursor was already holding. Popping
// happens at open time, not at full consumption, so the message being
// read is tied to the cursor by identity rather than by re-reading
// whatever now happens to be at the queue's head — an intervening
// Urgent delivery from the switch's routing path can otherwise insert
// ahead of a message that is already mid-read.
type readCursor struct {
	msg     *types.Message
	encoded []byte
	offset  int
}

func (c *readCursor) open() bool { return c.encoded != nil }
func (c *readCursor) remaining() int {
	if c.encoded == nil {
		return 0
	}
	return len(c.encoded) - c.offset
}

// Endpoint is C2: per-connection state belonging to one open
// connection to a switch device.
type Endpoint struct {
	ID   types.EndpointID
	PID  int
	Mode Mode

	sw *Switch

	mu          sync.Mutex
	inbound     *Queue
	composing   []byte
	state       sendState
	cursor      readCursor
	lastSentID  types.MessageId

	// unrepliedRequests: the set of MessageIds this endpoint has read
	// as the designated Replier but not yet answered (spec §3).
	unrepliedRequests map[types.MessageId]struct{}

	// outstandingSentRequests: how many Requests this endpoint has
	// sent with no Reply received yet; each reserves an inbound slot.
	outstandingSentRequests int

	onlyOnce           bool
	reportReplierBinds bool
	verbose            bool

	closed chan struct{}
}

func newEndpoint(id types.EndpointID, pid int, mode Mode, sw *Switch, queueDepth int) *Endpoint {
	inbound := NewQueue(queueDepth)
	inbound.SetInvoker(sw.invoker)
	if sw.metrics != nil {
		inbound.SetDepthHook(func(delta int) { sw.metrics.QueueDepth.Add(delta) })
	}
	return &Endpoint{
		ID:                id,
		PID:               pid,
		Mode:              mode,
		sw:                sw,
		inbound:           inbound,
		unrepliedRequests: make(map[types.MessageId]struct{}),
		closed:            make(chan struct{}),
	}
}

// closeSignal returns a channel closed once this endpoint's Close has
// run, used to cancel an AllOrWait send by this endpoint that is
// blocked waiting for room in a recipient's queue.
func (e *Endpoint) closeSignal() <-chan struct{} {
	return e.closed
}

// Write appends p to the composing send-buffer (spec §4.2). Multiple
// writes between a send/discard concatenate.
func (e *Endpoint) Write(p []byte) (int, error) {
	if e.Mode == ReadOnly {
		return 0, types.ErrInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.composing = append(e.composing, p...)
	e.state = sendComposing
	return len(p), nil
}

// Discard clears the composing buffer without sending it.
func (e *Endpoint) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.composing = nil
	e.state = sendIdle
}

// Send parses the composed buffer and hands it to the switch for
// admission and routing (spec §4.3, §4.4). On success the composing
// buffer is cleared and the stamped id is remembered for LastSentID.
func (e *Endpoint) Send() (types.MessageId, error) {
	e.mu.Lock()
	if len(e.composing) == 0 {
		e.mu.Unlock()
		return types.MessageId{}, types.ErrNoMessage
	}
	if e.Mode == ReadOnly {
		e.mu.Unlock()
		return types.MessageId{}, types.ErrInvalid
	}
	buf := e.composing
	e.mu.Unlock()

	msg, err := types.DecodeEntire(buf)
	if err != nil {
		return types.MessageId{}, err
	}

	id, err := e.sw.send(e, msg)
	if err != nil {
		return types.MessageId{}, err
	}

	e.mu.Lock()
	e.composing = nil
	e.state = sendIdle
	e.lastSentID = id
	e.mu.Unlock()
	return id, nil
}

// NextMessageLength pops the head of the inbound queue and opens it
// for reading, returning its encoded byte length, or 0 if the queue is
// empty. Any unread remainder of a previously opened message is
// discarded. Popping here (rather than when reading finishes) ties the
// message being read to the cursor by identity, so a concurrent
// Urgent delivery that inserts ahead of it can't cause ReadBytes to
// later pop and misroute a different message.
func (e *Endpoint) NextMessageLength() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	head := e.inbound.Pop()
	if head == nil {
		e.cursor = readCursor{}
		return 0
	}
	e.cursor = readCursor{msg: head, encoded: head.Encode()}
	// Spawned rather than called inline: this method holds e.mu here,
	// and flushDeferred takes sw.mu then touches endpoint state, the
	// reverse lock order sw.bind's subscribersLocked scan uses —
	// calling it synchronously could deadlock against a concurrent
	// bind.
	e.sw.invoker.Spawn(func() { e.sw.flushDeferred(e.ID) })
	return len(e.cursor.encoded)
}

// BytesLeftInCurrent reports how many unread bytes remain in the
// message currently opened by NextMessageLength.
func (e *Endpoint) BytesLeftInCurrent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor.remaining()
}

// ReadBytes consumes up to len(p) unread bytes of the message opened
// by NextMessageLength into p, returning how many were copied. Once
// the message is fully consumed, if it was a Request copy delivered to
// this endpoint as Replier, its id is recorded in unrepliedRequests.
func (e *Endpoint) ReadBytes(p []byte) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cursor.open() {
		return 0
	}
	n := copy(p, e.cursor.encoded[e.cursor.offset:])
	e.cursor.offset += n
	if e.cursor.remaining() == 0 {
		msg := e.cursor.msg
		e.cursor = readCursor{}
		if msg != nil && msg.Flags().Has(types.WantYouToReply) {
			e.unrepliedRequests[msg.ID()] = struct{}{}
		}
	}
	return n
}

// LastSentID returns the id stamped on the most recent successful
// Send.
func (e *Endpoint) LastSentID() types.MessageId {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSentID
}

// NumMessages returns how many messages are currently queued.
func (e *Endpoint) NumMessages() int {
	return e.inbound.Len()
}

// WaitMessage blocks until this endpoint's queue holds at least one
// unread message, the endpoint closes, or done fires. Used by a
// bridge's local-to-peer pump, which otherwise has no way to learn a
// new message arrived.
func (e *Endpoint) WaitMessage(done <-chan struct{}) bool {
	return e.inbound.WaitNonEmpty(done)
}

// NumUnrepliedTo returns how many Requests this endpoint has read as
// Replier but not yet answered.
func (e *Endpoint) NumUnrepliedTo() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.unrepliedRequests)
}

func (e *Endpoint) MaxMessages() int { return e.inbound.Capacity() }
func (e *Endpoint) SetMaxMessages(n int) {
	e.inbound.SetCapacity(n)
}

func (e *Endpoint) OnlyOnce() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.onlyOnce
}
func (e *Endpoint) SetOnlyOnce(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onlyOnce = v
}

func (e *Endpoint) ReportReplierBinds() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reportReplierBinds
}
func (e *Endpoint) SetReportReplierBinds(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reportReplierBinds = v
}

func (e *Endpoint) Verbose() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verbose
}
func (e *Endpoint) SetVerbose(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verbose = v
}

// Bind registers a binding for this endpoint (control surface `bind`).
func (e *Endpoint) Bind(pattern types.Pattern, role Role) error {
	return e.sw.bind(e, pattern, role)
}

// Unbind removes a binding for this endpoint (control surface
// `unbind`).
func (e *Endpoint) Unbind(pattern types.Pattern, role Role) error {
	return e.sw.unbind(e, pattern, role)
}

// FindReplier returns the endpoint currently bound as Replier for
// name, if any.
func (e *Endpoint) FindReplier(name types.Name) (types.EndpointID, bool) {
	replier, _ := e.sw.bindings.Resolve(name)
	if replier == nil {
		return 0, false
	}
	return *replier, true
}

// Close releases this endpoint, generating whatever synthetic
// messages spec §4.4 requires for outstanding obligations, and
// removes its bindings.
func (e *Endpoint) Close() {
	e.sw.closeEndpoint(e)
	close(e.closed)
}

func (e *Endpoint) clearReplyObligation(id types.MessageId) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.unrepliedRequests, id)
}

// reserveRequestSlot reserves a slot in this endpoint's own inbound
// queue for the eventual Reply to a Request it is about to send,
// failing if no spare slot would remain once already-queued messages
// and already-outstanding requests are counted (spec §4.2 "Slot
// reservation for Requests").
func (e *Endpoint) reserveRequestSlot() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	occupied := e.inbound.Len() + e.outstandingSentRequests
	if occupied >= e.inbound.Capacity() {
		return false
	}
	e.outstandingSentRequests++
	return true
}

func (e *Endpoint) releaseRequestSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outstandingSentRequests > 0 {
		e.outstandingSentRequests--
	}
}
