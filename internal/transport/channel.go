package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/miekg/dns"
)

// Kind identifies which transport a Channel (or a response) used.
type Kind int

const (
	// UDP is the default first-attempt transport.
	UDP Kind = iota
	// TCP is used after a truncated UDP response, or when explicitly
	// requested as the initial transport.
	TCP
)

func (k Kind) String() string {
	if k == TCP {
		return "tcp"
	}
	return "udp"
}

// udpMaxDatagram is the buffer size used for UDP reads: large enough to
// observe the TC bit on a truncated response; larger replies require TCP.
const udpMaxDatagram = 512

// Channel binds one exchange (one query, one response) to one upstream
// server over one transport. Channels are one-shot: closed after a single
// request/response, never reused across queries.
type Channel interface {
	// Send encodes and writes msg to the server.
	Send(ctx context.Context, msg *dns.Msg) error
	// Recv blocks until one complete response has been read and decoded, or
	// ctx's deadline passes, or the underlying socket fails (including by
	// Close). Cancelling a ctx that has no deadline does not unblock it.
	Recv(ctx context.Context) (*dns.Msg, error)
	// Kind reports which transport this channel uses.
	Kind() Kind
	// Close is idempotent.
	Close() error
}

// Dial opens a new one-shot Channel of the given kind to addr.
func Dial(ctx context.Context, kind Kind, addr string) (Channel, error) {
	switch kind {
	case TCP:
		return dialTCP(ctx, addr)
	default:
		return dialUDP(ctx, addr)
	}
}

type udpChannel struct {
	conn net.Conn
}

func dialUDP(ctx context.Context, addr string) (Channel, error) {
	// An ephemeral local port, connected to the server, so the kernel
	// filters unsolicited datagrams from other sources. The Control hook
	// sets SO_REUSEADDR where the platform supports it, so bursts of
	// one-shot exchanges don't exhaust the local port range on sockets
	// still winding down.
	d := net.Dialer{Control: udpControl}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp %s: %w", addr, err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	return &udpChannel{conn: conn}, nil
}

func (c *udpChannel) Kind() Kind { return UDP }

func (c *udpChannel) Send(ctx context.Context, msg *dns.Msg) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}

	buf, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}

	// A UDP write is all-or-nothing per datagram.
	_, err = c.conn.Write(buf)
	return err
}

func (c *udpChannel) Recv(ctx context.Context) (*dns.Msg, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}

	buf := make([]byte, udpMaxDatagram)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, err
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf[:n]); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return m, nil
}

func (c *udpChannel) Close() error {
	return c.conn.Close()
}

type tcpChannel struct {
	conn net.Conn
}

func dialTCP(ctx context.Context, addr string) (Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	return &tcpChannel{conn: conn}, nil
}

func (c *tcpChannel) Kind() Kind { return TCP }

func (c *tcpChannel) Send(ctx context.Context, msg *dns.Msg) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	}

	buf, err := msg.Pack()
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	if len(buf) > 0xFFFF {
		return fmt.Errorf("message too large for tcp framing: %d bytes", len(buf))
	}

	framed := make([]byte, 2+len(buf))
	binary.BigEndian.PutUint16(framed, uint16(len(buf)))
	copy(framed[2:], buf)

	// Partial writes are handled by net.Conn.Write itself returning only
	// once the full buffer is written or an error occurs; there is no
	// partial-write bookkeeping to do here because Write already loops
	// until done or failed.
	_, err = c.conn.Write(framed)
	return err
}

func (c *tcpChannel) Recv(ctx context.Context) (*dns.Msg, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read tcp length prefix: %w", err)
	}

	size := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, fmt.Errorf("read tcp message: %w", err)
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return m, nil
}

func (c *tcpChannel) Close() error {
	return c.conn.Close()
}
