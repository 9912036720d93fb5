// Package bridge implements C6: a pair of daemons that link two
// switches across a byte stream while preserving routing and reply
// semantics (spec §4.6). Its transport is a connection set up by a
// HELO handshake, blocking ReadMessage/WriteMessage calls that carry
// wire-decoded messages, and an explicit Close; it starts no goroutine
// and exposes no channel of its own. The underlying link is a plain
// net.Conn instead of a reliable multicast transport, since spec §4.6
// specifies a literal byte-stream protocol rather than handing that
// choice to a library.
package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kynesim/kbus/pkg/kbus/types"
)

// helloPreamble is the literal ASCII bytes spec §4.6 prescribes before
// the 4-byte big-endian network id in the HELO handshake.
var helloPreamble = [4]byte{'H', 'E', 'L', 'O'}

// Transport is one end of a bridge's byte-stream link: after a
// successful handshake it exchanges whole wire-format messages with
// the peer.
type Transport struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	peerID uint32
}

// Dial connects out to addr and performs the HELO handshake, offering
// localNetworkID as this side's network id.
func Dial(ctx context.Context, addr string, localNetworkID uint32) (*Transport, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", addr, err)
	}
	return handshake(conn, localNetworkID)
}

// Listener accepts a single bridge peer connection on addr.
type Listener struct {
	ln net.Listener
}

// Listen opens addr for a single incoming bridge connection.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the one peer connection this bridge expects, then
// performs the HELO handshake.
func (l *Listener) Accept(localNetworkID uint32) (*Transport, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("bridge: accept: %w", err)
	}
	return handshake(conn, localNetworkID)
}

// Addr returns the address this listener is bound to.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting further connections.
func (l *Listener) Close() error { return l.ln.Close() }

func handshake(conn net.Conn, localNetworkID uint32) (*Transport, error) {
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReaderSize(conn, 64*1024)

	var out [8]byte
	copy(out[0:4], helloPreamble[:])
	binary.BigEndian.PutUint32(out[4:8], localNetworkID)
	if _, err := conn.Write(out[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge: send HELO: %w", err)
	}

	var in [8]byte
	if _, err := io.ReadFull(r, in[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bridge: read HELO: %w", err)
	}
	if in[0] != 'H' || in[1] != 'E' || in[2] != 'L' || in[3] != 'O' {
		conn.Close()
		return nil, types.ErrUnsupportedProtocol
	}
	_ = conn.SetDeadline(time.Time{})

	return &Transport{
		conn:   conn,
		r:      r,
		w:      bufio.NewWriterSize(conn, 64*1024),
		peerID: binary.BigEndian.Uint32(in[4:8]),
	}, nil
}

// PeerNetworkID returns the network id the peer advertised in its
// HELO.
func (t *Transport) PeerNetworkID() uint32 { return t.peerID }

// WriteMessage serialises and writes one message in the wire format of
// spec §4.6.
func (t *Transport) WriteMessage(m *types.Message) error {
	if _, err := t.w.Write(m.Encode()); err != nil {
		return fmt.Errorf("bridge: write message: %w", err)
	}
	return t.w.Flush()
}

// ReadMessage reads and decodes the next message header, then its
// name/data/end-guard tail, from the peer stream.
func (t *Transport) ReadMessage() (*types.Message, error) {
	header, nameLen, dataLen, err := t.readHeaderPrefix()
	if err != nil {
		return nil, err
	}

	nameField := pad4(int(nameLen) + 1)
	dataField := pad4(int(dataLen))
	rest := make([]byte, nameField+dataField+4)
	if _, err := io.ReadFull(t.r, rest); err != nil {
		return nil, fmt.Errorf("bridge: read message body: %w", err)
	}
	if binary.BigEndian.Uint32(rest[len(rest)-4:]) != types.EndGuard {
		return nil, types.ErrInvalid
	}
	name := types.Name(rest[:nameLen])
	data := rest[nameField : nameField+int(dataLen)]
	return types.NewEntire(header, name, data), nil
}

func (t *Transport) readHeaderPrefix() (types.Header, uint32, uint32, error) {
	var buf [64]byte
	if _, err := io.ReadFull(t.r, buf[:]); err != nil {
		return types.Header{}, 0, 0, fmt.Errorf("bridge: read header: %w", err)
	}
	be := binary.BigEndian
	if be.Uint32(buf[0:4]) != types.StartGuard {
		return types.Header{}, 0, 0, types.ErrInvalid
	}
	if be.Uint32(buf[60:64]) != types.EndGuard {
		return types.Header{}, 0, 0, types.ErrInvalid
	}
	h := types.Header{
		ID:        types.MessageId{NetworkID: be.Uint32(buf[4:8]), Serial: be.Uint32(buf[8:12])},
		InReplyTo: types.MessageId{NetworkID: be.Uint32(buf[12:16]), Serial: be.Uint32(buf[16:20])},
		To:        types.EndpointID(be.Uint32(buf[20:24])),
		From:      types.EndpointID(be.Uint32(buf[24:28])),
		OrigFrom:  types.OrigFrom{NetworkID: be.Uint32(buf[28:32]), LocalID: be.Uint32(buf[32:36])},
		FinalTo:   types.FinalTo{NetworkID: be.Uint32(buf[36:40]), LocalID: be.Uint32(buf[40:44])},
		Flags:     types.Flags(be.Uint32(buf[48:52])),
	}
	return h, be.Uint32(buf[52:56]), be.Uint32(buf[56:60]), nil
}

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return n + (4 - r)
	}
	return n
}

// Close closes the underlying connection.
func (t *Transport) Close() error { return t.conn.Close() }
