package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire guard magics, from original_source/python/kbus/messages.py:
// START_GUARD = 0x7375624B ("subK"), END_GUARD = 0x4B627573 ("Kbus").
// The two differ only in byte order, which lets a reader detect an
// endian mismatch (spec §3).
const (
	StartGuard uint32 = 0x7375624B
	EndGuard   uint32 = 0x4B627573
)

// headerWords is the fixed 16 big-endian 32-bit words making up a
// message header on the wire (spec §4.6): start_guard, id (2 words),
// in_reply_to (2 words), to, from, orig_from (2 words), final_to (2
// words), extra, flags, name_len, data_len, end_guard.
const headerWords = 16
const headerBytes = headerWords * 4

// Header carries every fixed-size field of a message (spec §3),
// excluding the variable-length name and data.
type Header struct {
	ID         MessageId
	InReplyTo  MessageId
	To         EndpointID
	From       EndpointID
	OrigFrom   OrigFrom
	FinalTo    FinalTo
	Flags      Flags
}

// Message is the canonical in-memory form of a message. Per Design
// Note 1, this single type stands in for the original's two
// conflated forms: while composing, Name/Data may alias a caller's
// buffers (the "pointy" form, built with NewPointy and never directly
// exposed outside this package); once admitted or read from a wire
// buffer, a Message is always the flattened "entire" form that
// external callers see. The distinction carries no separate exported
// type, by design.
type Message struct {
	header Header
	name   Name
	data   []byte
}

// NewPointy builds a Message from name/data that may alias the
// caller's own buffers, used only while a send-buffer is being
// composed (spec §4.2 "send buffer"). Nothing outside this package
// should retain a Message constructed this way without also retaining
// ownership of name/data.
func NewPointy(header Header, name Name, data []byte) *Message {
	return &Message{header: header, name: name, data: data}
}

// NewEntire copies data so the Message owns its storage independent
// of the caller (name is an immutable string and needs no copy), the
// form produced once a message is admitted to the switch or read back
// out of one.
func NewEntire(header Header, name Name, data []byte) *Message {
	dataCopy := append([]byte(nil), data...)
	return &Message{header: header, name: name, data: dataCopy}
}

// Clone returns a new Message with its own Header (so per-recipient
// stamping of Flags/To/From doesn't mutate shared state) but sharing
// the same underlying name/data backing arrays as m. This is the
// O(1)-payload-copy sharing spec §5 asks for: Go's GC keeps the
// backing array alive for as long as any clone references it, so N
// recipients of one large message never force N payload copies.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

func (m *Message) Header() Header     { return m.header }
func (m *Message) ID() MessageId      { return m.header.ID }
func (m *Message) InReplyTo() MessageId { return m.header.InReplyTo }
func (m *Message) To() EndpointID     { return m.header.To }
func (m *Message) From() EndpointID   { return m.header.From }
func (m *Message) OrigFrom() OrigFrom { return m.header.OrigFrom }
func (m *Message) FinalTo() FinalTo   { return m.header.FinalTo }
func (m *Message) Flags() Flags       { return m.header.Flags }
func (m *Message) Name() Name         { return m.name }
func (m *Message) Data() []byte       { return m.data }
func (m *Message) NameLen() int       { return len(m.name) }
func (m *Message) DataLen() int       { return len(m.data) }

func (m *Message) SetID(id MessageId)           { m.header.ID = id }
func (m *Message) SetFrom(from EndpointID)      { m.header.From = from }
func (m *Message) SetTo(to EndpointID)          { m.header.To = to }
func (m *Message) SetOrigFrom(o OrigFrom)       { m.header.OrigFrom = o }
func (m *Message) SetFinalTo(f FinalTo)         { m.header.FinalTo = f }
func (m *Message) SetFlags(f Flags)             { m.header.Flags = f }
func (m *Message) SetInReplyTo(id MessageId)    { m.header.InReplyTo = id }

// IsRequest reports whether this message demands a Reply.
func (m *Message) IsRequest() bool { return m.header.Flags.Has(WantAReply) }

// IsReply reports whether this message answers an earlier Request.
func (m *Message) IsReply() bool { return !m.header.InReplyTo.Unset() }

// IsAnnouncement reports whether this message is neither a Request
// nor a Reply.
func (m *Message) IsAnnouncement() bool { return !m.IsRequest() && !m.IsReply() }

// Validate checks the admission rules of spec §4.3 that depend only
// on the message itself (name literalness/length, data size); the
// rules that depend on switch state (outstanding-request lookup,
// Replier resolution) are enforced by the switch core.
func (m *Message) Validate(maxNameLen, maxDataLen int) error {
	if !m.header.Flags.Valid() {
		return ErrInvalid
	}
	if err := m.name.ValidLiteral(maxNameLen); err != nil {
		return err
	}
	if maxDataLen > 0 && len(m.data) > maxDataLen {
		return ErrMessageTooLarge
	}
	return nil
}

// Equivalent compares two messages ignoring From/ID (which the switch
// stamps on admission), matching the equivalence original_source's
// Message.__eq__-adjacent helpers use when comparing a sent message
// against what was received. Used by bridge round-trip tests.
func (m *Message) Equivalent(other *Message) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.header.InReplyTo == other.header.InReplyTo &&
		m.header.To == other.header.To &&
		m.header.OrigFrom == other.header.OrigFrom &&
		m.header.FinalTo == other.header.FinalTo &&
		m.header.Flags == other.header.Flags &&
		m.name == other.name &&
		bytes.Equal(m.data, other.data)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(name=%s, id=%s, to=%d, from=%d, flags=%#x, data_len=%d)",
		m.name, m.header.ID, m.header.To, m.header.From, uint32(m.header.Flags), len(m.data))
}

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// EncodedLen returns the total byte length of m on the wire: the
// fixed 16-word header, the padded NUL-terminated name, the padded
// data, and the trailing end guard (spec §3, §4.6).
func (m *Message) EncodedLen() int {
	nameField := pad4(len(m.name) + 1) // +1 for the NUL terminator
	dataField := pad4(len(m.data))
	return headerBytes + nameField + dataField + 4
}

// Encode serialises m into the entire-message wire form: 16
// big-endian 32-bit header words (terminated by the header's own end
// guard), the padded name, the padded data, then a trailing end guard
// (spec §3, §4.6).
func (m *Message) Encode() []byte {
	buf := make([]byte, m.EncodedLen())
	putHeader(buf, m.header, uint32(len(m.name)), uint32(len(m.data)))

	off := headerBytes
	copy(buf[off:], m.name)
	off += pad4(len(m.name) + 1)
	copy(buf[off:], m.data)
	off += pad4(len(m.data))
	binary.BigEndian.PutUint32(buf[off:], EndGuard)
	return buf
}

func putHeader(buf []byte, h Header, nameLen, dataLen uint32) {
	be := binary.BigEndian
	be.PutUint32(buf[0:4], StartGuard)
	be.PutUint32(buf[4:8], h.ID.NetworkID)
	be.PutUint32(buf[8:12], h.ID.Serial)
	be.PutUint32(buf[12:16], h.InReplyTo.NetworkID)
	be.PutUint32(buf[16:20], h.InReplyTo.Serial)
	be.PutUint32(buf[20:24], uint32(h.To))
	be.PutUint32(buf[24:28], uint32(h.From))
	be.PutUint32(buf[28:32], h.OrigFrom.NetworkID)
	be.PutUint32(buf[32:36], h.OrigFrom.LocalID)
	be.PutUint32(buf[36:40], h.FinalTo.NetworkID)
	be.PutUint32(buf[40:44], h.FinalTo.LocalID)
	be.PutUint32(buf[44:48], 0) // extra, reserved zero
	be.PutUint32(buf[48:52], uint32(h.Flags))
	be.PutUint32(buf[52:56], nameLen)
	be.PutUint32(buf[56:60], dataLen)
	be.PutUint32(buf[60:64], EndGuard)
}

// DecodeEntire parses a flattened entire-message wire buffer, per
// spec §3/§4.6. Returns ErrInvalid if either guard is wrong (including
// the canonical endian-mismatch case: a start guard that decodes to
// EndGuard's byte pattern when read in the wrong order) or the buffer
// is short.
func DecodeEntire(buf []byte) (*Message, error) {
	if len(buf) < headerBytes+4 {
		return nil, ErrInvalid
	}
	be := binary.BigEndian
	if be.Uint32(buf[0:4]) != StartGuard {
		return nil, ErrInvalid
	}
	if be.Uint32(buf[60:64]) != EndGuard {
		return nil, ErrInvalid
	}

	h := Header{
		ID:        MessageId{NetworkID: be.Uint32(buf[4:8]), Serial: be.Uint32(buf[8:12])},
		InReplyTo: MessageId{NetworkID: be.Uint32(buf[12:16]), Serial: be.Uint32(buf[16:20])},
		To:        EndpointID(be.Uint32(buf[20:24])),
		From:      EndpointID(be.Uint32(buf[24:28])),
		OrigFrom:  OrigFrom{NetworkID: be.Uint32(buf[28:32]), LocalID: be.Uint32(buf[32:36])},
		FinalTo:   FinalTo{NetworkID: be.Uint32(buf[36:40]), LocalID: be.Uint32(buf[40:44])},
		Flags:     Flags(be.Uint32(buf[48:52])),
	}
	nameLen := be.Uint32(buf[52:56])
	dataLen := be.Uint32(buf[56:60])

	off := headerBytes
	nameField := pad4(int(nameLen) + 1)
	dataField := pad4(int(dataLen))
	if len(buf) < off+nameField+dataField+4 {
		return nil, ErrInvalid
	}
	name := Name(buf[off : off+int(nameLen)])
	off += nameField
	data := buf[off : off+int(dataLen)]
	off += dataField

	if be.Uint32(buf[off:off+4]) != EndGuard {
		return nil, ErrInvalid
	}

	return NewEntire(h, name, data), nil
}
