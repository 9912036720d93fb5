package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kynesim/kbus/internal/kbusconfig"
	"github.com/kynesim/kbus/internal/kbuslog"
	"github.com/kynesim/kbus/pkg/kbus/core"
	"github.com/kynesim/kbus/pkg/kbus/types"
)

// bindEventName is a package-local alias of core.ReplierBindEventName.
const bindEventName = core.ReplierBindEventName

// proxyRecord remembers who to reply to locally once a Request this
// bridge forwarded to its peer (acting there as the apparent Replier)
// comes back with an answer (spec §4.6: "remember the (id ->
// (original_from, original_to)) map until the Reply returns").
type proxyRecord struct {
	localRequestID types.MessageId
	originalFrom   types.EndpointID
}

// Bridge is C6: a daemon linking one local switch device to a peer
// switch across a Transport, preserving routing and reply semantics
// (spec §4.6).
type Bridge struct {
	log kbuslog.Logger
	cfg kbusconfig.BridgeConfig

	sw   *core.Switch
	ep   *core.Endpoint
	t    *Transport
	peer uint32
	self uint32

	mu      sync.Mutex
	proxied map[types.MessageId]proxyRecord
}

// New attaches a bridge endpoint to sw and binds it the way spec §4.6
// requires: report_replier_binds enabled, subscribed as a Listener to
// cfg.SubscribePattern.
func New(sw *core.Switch, t *Transport, localNetworkID uint32, cfg kbusconfig.BridgeConfig, log kbuslog.Logger) (*Bridge, error) {
	ep := sw.Open(core.ReadWrite, 0)
	// original_source/python/kbus/limpet.py's LimpetKsock.__init__: "we
	// only want one copy of a message, even if we were registered as
	// (for instance) both Replier and Listener" — the bridge's proxy
	// Replier binding and its catch-all Listener subscription routinely
	// match the same name, and without only_once this endpoint would
	// see (and forward) the same Request twice.
	ep.SetOnlyOnce(true)
	ep.SetReportReplierBinds(true)
	pattern := types.Pattern(cfg.SubscribePattern)
	if pattern == "" {
		pattern = "$.*"
	}
	if err := ep.Bind(pattern, core.Listener); err != nil {
		ep.Close()
		return nil, fmt.Errorf("bridge: subscribe %s: %w", pattern, err)
	}
	// limpet.py binds $.KBUS.ReplierBindEvent explicitly even though its
	// default "$.*" subscription already covers it: "since we're only
	// going to get one copy of each message, it is safe to bind to this
	// again" — this keeps bind-event delivery working even when
	// cfg.SubscribePattern is narrowed to something that wouldn't itself
	// match the reserved name.
	if pattern != types.Pattern(bindEventName) {
		if err := ep.Bind(types.Pattern(bindEventName), core.Listener); err != nil && err != types.ErrReplierConflict {
			ep.Close()
			return nil, fmt.Errorf("bridge: subscribe %s: %w", bindEventName, err)
		}
	}
	return &Bridge{
		log:     log,
		cfg:     cfg,
		sw:      sw,
		ep:      ep,
		t:       t,
		peer:    t.PeerNetworkID(),
		self:    localNetworkID,
		proxied: make(map[types.MessageId]proxyRecord),
	}, nil
}

// Run drives both pump directions until ctx is cancelled, the
// transport errors, or the configured poison message is read locally.
// Both directions are supervised by one errgroup so either failing
// tears the whole bridge down, matching the teacher's pattern of
// never leaving an unsupervised goroutine behind after an error.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := b.pumpLocalToPeer(ctx)
		// A poison message ends this pump with a nil error, which the
		// errgroup does not treat as a reason to stop the others.
		cancel()
		return err
	})
	g.Go(func() error { return b.pumpPeerToLocal(ctx) })
	g.Go(func() error {
		// pumpPeerToLocal blocks in a plain net.Conn read with no
		// context awareness; closing the transport on cancellation is
		// what actually unblocks it.
		<-ctx.Done()
		b.t.Close()
		return nil
	})

	err := g.Wait()
	b.ep.Close()
	return err
}

// pumpLocalToPeer reads every message delivered to the bridge's own
// endpoint (by virtue of its catch-all Listener binding, its
// report_replier_binds subscription, or its role as proxy Replier for
// a remote Replier's pattern) and forwards it across the wire.
func (b *Bridge) pumpLocalToPeer(ctx context.Context) error {
	done := ctx.Done()
	for {
		if !b.ep.WaitMessage(done) {
			select {
			case <-done:
				return ctx.Err()
			default:
				return types.ErrEndpointClosed
			}
		}

		msg, err := b.readOne()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		if b.cfg.PoisonName != "" && msg.Name() == types.Name(b.cfg.PoisonName) {
			b.log.Infof("poison message read, closing bridge")
			return nil
		}

		if msg.Name() == bindEventName {
			if err := b.relayBindEvent(msg); err != nil {
				b.log.Warnf("relay bind event: %v", err)
			}
			continue
		}

		if err := b.forward(msg); err != nil {
			b.log.Warnf("forward to peer: %v", err)
		}
	}
}

// readOne drains exactly one message off the bridge endpoint using the
// same cursor-based read protocol any device client uses (spec §4.5),
// so the bridge never reaches past Endpoint's public surface.
func (b *Bridge) readOne() (*types.Message, error) {
	n := b.ep.NextMessageLength()
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	off := 0
	for off < n {
		k := b.ep.ReadBytes(buf[off:])
		if k == 0 {
			break
		}
		off += k
	}
	return types.DecodeEntire(buf[:off])
}

// relayBindEvent forwards a local ReplierBindEvent across the wire
// unless it echoes the bridge's own proxy binding (spec §4.6: "Ignore
// bind events whose binder is the bridge's own endpoint").
func (b *Bridge) relayBindEvent(msg *types.Message) error {
	data := msg.Data()
	if len(data) < 12 {
		return types.ErrInvalid
	}
	binder := types.EndpointID(binary.BigEndian.Uint32(data[4:8]))
	if binder == b.ep.ID {
		return nil
	}
	return b.t.WriteMessage(msg)
}

// forward stamps and relays a regular (non-bind-event) message.
func (b *Bridge) forward(msg *types.Message) error {
	if msg.ID().NetworkID == b.peer {
		// Originated on the peer's network and looped back to us
		// locally; forwarding it again would bounce forever.
		return nil
	}

	out := msg.Clone()
	id := out.ID()
	if id.NetworkID == 0 {
		id.NetworkID = b.self
		out.SetID(id)
	}
	if out.OrigFrom().Unset() {
		out.SetOrigFrom(types.OrigFrom{NetworkID: b.self, LocalID: uint32(out.From())})
	}

	if out.IsRequest() && out.Flags().Has(types.WantYouToReply) {
		// The local switch resolved us (the bridge's own endpoint) as
		// the Replier for this name, via our mirrored proxy binding —
		// true whether or not the sender stated a specific `to`
		// (original_source/python/kbus/limpet.py's
		// _handle_message_from_kbus: "msg.is_request() and
		// msg.wants_us_to_reply()"). Remember it so the eventual Reply
		// can be routed back, and let the peer resolve the real
		// Replier by name on its own switch instead of by our id. The
		// map key is the wire id the peer will echo back in its
		// Reply's in_reply_to (post network-tagging above), but
		// localRequestID must be the id our own switch's outstanding
		// map is keyed by — msg.ID(), captured before this stamping —
		// or the eventual Reply can never be matched back to it.
		b.mu.Lock()
		b.proxied[out.ID()] = proxyRecord{localRequestID: msg.ID(), originalFrom: out.From()}
		b.mu.Unlock()
		out.SetTo(0)
	}

	return b.t.WriteMessage(out)
}

// pumpPeerToLocal reads every message the peer sends, re-admits it to
// the local switch under the bridge's own endpoint, and mirrors
// Replier bind events as local proxy bindings.
func (b *Bridge) pumpPeerToLocal(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := b.t.ReadMessage()
		if err != nil {
			return fmt.Errorf("bridge: read from peer: %w", err)
		}

		if msg.Name() == bindEventName {
			if err := b.mirrorBindEvent(msg); err != nil {
				b.log.Warnf("mirror bind event: %v", err)
			}
			continue
		}

		if msg.IsReply() {
			b.completeProxiedReply(msg)
			continue
		}

		if msg.IsRequest() && !msg.FinalTo().Unset() && msg.FinalTo().NetworkID == b.self {
			current, ok := b.ep.FindReplier(msg.Name())
			if !ok || uint32(current) != msg.FinalTo().LocalID {
				b.sendNotSameKsock(msg)
				continue
			}
		}

		if err := b.admitLocally(msg); err != nil {
			b.sendRemoteError(msg, err)
		}
	}
}

// sendNotSameKsock answers a stateful Request addressed to a specific
// local Replier endpoint that is no longer bound to that name (spec
// §4.6: "verify the current local Replier id equals final_to.local_id;
// if not, emit $.KBUS.Replier.NotSameKsock back to the peer").
func (b *Bridge) sendNotSameKsock(msg *types.Message) {
	reply := types.NewEntire(types.Header{
		InReplyTo: msg.ID(),
		To:        msg.From(),
		Flags:     types.Synthetic,
	}, core.ReplierNotSameName, nil)
	if err := b.t.WriteMessage(reply); err != nil {
		b.log.Warnf("send not-same-ksock: %v", err)
	}
}

// mirrorBindEvent registers (or removes) a local proxy Replier binding
// standing in for a Replier that actually lives on the peer switch, so
// local Requests for that name resolve here and get forwarded.
func (b *Bridge) mirrorBindEvent(msg *types.Message) error {
	data := msg.Data()
	if len(data) < 12 {
		return types.ErrInvalid
	}
	isBind := data[3] != 0
	nameLen := binary.BigEndian.Uint32(data[8:12])
	if len(data) < 12+int(nameLen) {
		return types.ErrInvalid
	}
	pattern := types.Pattern(data[12 : 12+int(nameLen)])

	if isBind {
		if err := b.ep.Bind(pattern, core.Replier); err != nil && err != types.ErrReplierConflict {
			return err
		}
		return nil
	}
	return b.ep.Unbind(pattern, core.Replier)
}

// admitLocally re-sends a message received from the peer into the
// local switch, preserving its name, data, flags and orig_from.
func (b *Bridge) admitLocally(msg *types.Message) error {
	header := msg.Header()
	header.To = 0 // let local resolution pick the real, local Replier/Listeners
	wire := types.NewPointy(header, msg.Name(), msg.Data()).Encode()

	if _, err := b.ep.Write(wire); err != nil {
		return err
	}
	_, err := b.ep.Send()
	return err
}

// completeProxiedReply answers the original local sender once the
// peer's real Replier has replied to a Request we proxied.
func (b *Bridge) completeProxiedReply(msg *types.Message) {
	b.mu.Lock()
	rec, ok := b.proxied[msg.InReplyTo()]
	if ok {
		delete(b.proxied, msg.InReplyTo())
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	header := types.Header{InReplyTo: rec.localRequestID, To: rec.originalFrom}
	wire := types.NewPointy(header, msg.Name(), msg.Data()).Encode()
	if _, err := b.ep.Write(wire); err != nil {
		b.log.Warnf("complete proxied reply: %v", err)
		return
	}
	if _, err := b.ep.Send(); err != nil {
		b.log.Warnf("complete proxied reply: %v", err)
	}
}

// sendRemoteError synthesises $.KBUS.RemoteError.<kind> back across
// the bridge when the local switch rejected a message we tried to
// proxy in on the peer's behalf (spec §4.4).
func (b *Bridge) sendRemoteError(msg *types.Message, cause error) {
	name := types.Name(fmt.Sprintf("%s%s", core.RemoteErrorNamePrefix, errKind(cause)))
	errMsg := types.NewEntire(types.Header{Flags: types.Synthetic}, name, []byte(cause.Error()))
	if err := b.t.WriteMessage(errMsg); err != nil {
		b.log.Warnf("send remote error: %v", err)
	}
}

func errKind(err error) string {
	switch err {
	case types.ErrAddressNotAvailable:
		return "AddressNotAvailable"
	case types.ErrBusy:
		return "Busy"
	case types.ErrNameInvalid, types.ErrNameTooLong:
		return "NameInvalid"
	case types.ErrMessageTooLarge:
		return "MessageTooLarge"
	default:
		return "Unknown"
	}
}
