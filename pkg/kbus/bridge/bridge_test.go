package bridge

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kynesim/kbus/internal/kbusconfig"
	"github.com/kynesim/kbus/internal/kbuslog"
	"github.com/kynesim/kbus/internal/kbusmetrics"
	"github.com/kynesim/kbus/pkg/kbus/core"
	"github.com/kynesim/kbus/pkg/kbus/types"
)

func newTestSwitch(n int) *core.Switch {
	cfg := kbusconfig.Defaults()
	return core.NewSwitch(n, cfg, kbuslog.Default(), kbusmetrics.NewDevice(kbusmetrics.NewSet(), n))
}

func hasReplierBinding(sw *core.Switch, name types.Pattern) bool {
	for _, b := range sw.ListBindings() {
		if b.Role == core.Replier && b.Pattern == name {
			return true
		}
	}
	return false
}

func readOneFrom(t *testing.T, ep *core.Endpoint) *types.Message {
	t.Helper()
	done := make(chan struct{})
	if !ep.WaitMessage(done) {
		t.Fatal("endpoint never received a message")
	}
	n := ep.NextMessageLength()
	buf := make([]byte, n)
	off := 0
	for off < n {
		k := ep.ReadBytes(buf[off:])
		if k == 0 {
			break
		}
		off += k
	}
	out, err := types.DecodeEntire(buf[:off])
	if err != nil {
		t.Fatalf("DecodeEntire: %v", err)
	}
	return out
}

// TestBridgeMirrorsAnnouncement wires up two switches over a loopback
// TCP bridge pair and checks that a plain Announcement sent on A is
// visible to a Listener on B, per spec §4.6's mirroring behaviour.
func TestBridgeMirrorsAnnouncement(t *testing.T) {
	defer goleak.VerifyNone(t)

	swA := newTestSwitch(0)
	swB := newTestSwitch(0)

	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	type dialResult struct {
		tr  *Transport
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		tr, err := Dial(context.Background(), ln.Addr().String(), 1)
		dialed <- dialResult{tr, err}
	}()

	tB, err := ln.Accept(2)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	dr := <-dialed
	if dr.err != nil {
		t.Fatalf("Dial: %v", dr.err)
	}
	tA := dr.tr

	cfg := kbusconfig.DefaultBridge("$.Poison")
	bA, err := New(swA, tA, 1, cfg, kbuslog.Default())
	if err != nil {
		t.Fatalf("New bridge A: %v", err)
	}
	bB, err := New(swB, tB, 2, cfg, kbuslog.Default())
	if err != nil {
		t.Fatalf("New bridge B: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrA := make(chan error, 1)
	runErrB := make(chan error, 1)
	go func() { runErrA <- bA.Run(ctx) }()
	go func() { runErrB <- bB.Run(ctx) }()

	listenerB := swB.Open(core.ReadWrite, 200)
	defer listenerB.Close()
	if err := listenerB.Bind("$.Foo", core.Listener); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	senderA := swA.Open(core.ReadWrite, 201)
	defer senderA.Close()

	wire := types.NewPointy(types.Header{}, "$.Foo", []byte("hello from A")).Encode()
	if _, err := senderA.Write(wire); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := senderA.Send(); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := readOneFrom(t, listenerB)
	if got.Name() != "$.Foo" {
		t.Errorf("name = %q, want $.Foo", got.Name())
	}
	if string(got.Data()) != "hello from A" {
		t.Errorf("data = %q, want %q", got.Data(), "hello from A")
	}

	cancel()
	select {
	case <-runErrA:
	case <-time.After(2 * time.Second):
		t.Error("bridge A.Run never returned after cancel")
	}
	select {
	case <-runErrB:
	case <-time.After(2 * time.Second):
		t.Error("bridge B.Run never returned after cancel")
	}
}

// TestBridgeProxiesRequestReply wires two switches over a loopback
// bridge pair, binds a Replier only on B, and checks that a Request
// sent from A reaches B's Replier and the Reply makes it back to A's
// original sender, with the bridge on A acting as proxy Replier for
// the mirrored binding (spec §4.6).
func TestBridgeProxiesRequestReply(t *testing.T) {
	defer goleak.VerifyNone(t)

	swA := newTestSwitch(0)
	swB := newTestSwitch(0)

	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	type dialResult struct {
		tr  *Transport
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		tr, err := Dial(context.Background(), ln.Addr().String(), 1)
		dialed <- dialResult{tr, err}
	}()

	tB, err := ln.Accept(2)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	dr := <-dialed
	if dr.err != nil {
		t.Fatalf("Dial: %v", dr.err)
	}
	tA := dr.tr

	cfg := kbusconfig.DefaultBridge("$.Poison")
	bA, err := New(swA, tA, 1, cfg, kbuslog.Default())
	if err != nil {
		t.Fatalf("New bridge A: %v", err)
	}
	bB, err := New(swB, tB, 2, cfg, kbuslog.Default())
	if err != nil {
		t.Fatalf("New bridge B: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrA := make(chan error, 1)
	runErrB := make(chan error, 1)
	go func() { runErrA <- bA.Run(ctx) }()
	go func() { runErrB <- bB.Run(ctx) }()

	replierB := swB.Open(core.ReadWrite, 210)
	defer replierB.Close()
	if err := replierB.Bind("$.Echo", core.Replier); err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// Give the mirrored bind event time to reach A and register the
	// bridge's proxy Replier binding there.
	deadline := time.After(2 * time.Second)
	for !hasReplierBinding(swA, "$.Echo") {
		select {
		case <-deadline:
			t.Fatal("proxy Replier binding never appeared on A")
		case <-time.After(10 * time.Millisecond):
		}
	}

	senderA := swA.Open(core.ReadWrite, 211)
	defer senderA.Close()

	wire := types.NewPointy(types.Header{Flags: types.WantAReply}, "$.Echo", []byte("ping")).Encode()
	if _, err := senderA.Write(wire); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reqID, err := senderA.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := readOneFrom(t, replierB)
	if got.Name() != "$.Echo" {
		t.Fatalf("replier saw name %q, want $.Echo", got.Name())
	}
	if !got.Flags().Has(types.WantYouToReply) {
		t.Fatal("replier copy missing WantYouToReply")
	}

	replyWire := types.NewPointy(types.Header{InReplyTo: got.ID(), To: got.From()}, "$.Echo", []byte("pong")).Encode()
	if _, err := replierB.Write(replyWire); err != nil {
		t.Fatalf("Write reply: %v", err)
	}
	if _, err := replierB.Send(); err != nil {
		t.Fatalf("Send reply: %v", err)
	}

	reply := readOneFrom(t, senderA)
	if string(reply.Data()) != "pong" {
		t.Errorf("reply data = %q, want %q", reply.Data(), "pong")
	}
	if reply.InReplyTo() != reqID {
		t.Errorf("reply in_reply_to = %v, want %v", reply.InReplyTo(), reqID)
	}

	cancel()
	select {
	case <-runErrA:
	case <-time.After(2 * time.Second):
		t.Error("bridge A.Run never returned after cancel")
	}
	select {
	case <-runErrB:
	case <-time.After(2 * time.Second):
		t.Error("bridge B.Run never returned after cancel")
	}
}
