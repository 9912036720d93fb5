package types

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{
		ID:        MessageId{NetworkID: 0, Serial: 7},
		InReplyTo: MessageId{},
		To:        3,
		From:      2,
		Flags:     WantAReply,
	}
	want := NewEntire(h, Name("$.Fred.Jim"), []byte("hello world"))

	buf := want.Encode()
	if len(buf) != want.EncodedLen() {
		t.Fatalf("EncodedLen() = %d, Encode() produced %d bytes", want.EncodedLen(), len(buf))
	}

	got, err := DecodeEntire(buf)
	if err != nil {
		t.Fatalf("DecodeEntire: %v", err)
	}
	if got.Name() != want.Name() {
		t.Errorf("name = %q, want %q", got.Name(), want.Name())
	}
	if !bytes.Equal(got.Data(), want.Data()) {
		t.Errorf("data = %q, want %q", got.Data(), want.Data())
	}
	if got.ID() != want.ID() {
		t.Errorf("id = %v, want %v", got.ID(), want.ID())
	}
	if got.To() != want.To() || got.From() != want.From() {
		t.Errorf("to/from = %d/%d, want %d/%d", got.To(), got.From(), want.To(), want.From())
	}
	if !got.Flags().Has(WantAReply) {
		t.Errorf("flags lost WantAReply across the wire")
	}
}

func TestDecodeEntireRejectsBadGuard(t *testing.T) {
	m := NewEntire(Header{}, Name("$.A.B"), nil)
	buf := m.Encode()
	buf[0] ^= 0xFF // corrupt the start guard
	if _, err := DecodeEntire(buf); err == nil {
		t.Fatal("expected an error decoding a corrupted start guard")
	}
}

func TestDecodeEntireRejectsShortBuffer(t *testing.T) {
	if _, err := DecodeEntire([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a too-short buffer")
	}
}

func TestCloneSharesBackingArrayButNotHeader(t *testing.T) {
	orig := NewEntire(Header{From: 1}, Name("$.A.B"), []byte("payload"))
	clone := orig.Clone()
	clone.SetFrom(99)

	if orig.From() == clone.From() {
		t.Fatal("Clone must not share header mutations with the original")
	}
	if &orig.Data()[0] != &clone.Data()[0] {
		t.Fatal("Clone should share the same data backing array")
	}
}

func TestMessageKinds(t *testing.T) {
	announcement := NewEntire(Header{}, Name("$.A.B"), nil)
	if !announcement.IsAnnouncement() || announcement.IsRequest() || announcement.IsReply() {
		t.Errorf("expected a bare message to be an announcement only")
	}

	request := NewEntire(Header{Flags: WantAReply}, Name("$.A.B"), nil)
	if !request.IsRequest() || request.IsReply() {
		t.Errorf("expected WantAReply to mark a request, not a reply")
	}

	reply := NewEntire(Header{InReplyTo: MessageId{Serial: 1}}, Name("$.A.B"), nil)
	if !reply.IsReply() || reply.IsRequest() {
		t.Errorf("expected a set InReplyTo to mark a reply")
	}
}

func TestValidateRejectsBadFlagCombination(t *testing.T) {
	m := NewEntire(Header{Flags: AllOrFail | AllOrWait}, Name("$.A.B"), nil)
	if err := m.Validate(1000, 1<<16); err != ErrInvalid {
		t.Errorf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsOversizedData(t *testing.T) {
	m := NewEntire(Header{}, Name("$.A.B"), make([]byte, 100))
	if err := m.Validate(1000, 10); err != ErrMessageTooLarge {
		t.Errorf("Validate() = %v, want ErrMessageTooLarge", err)
	}
}
