package broker

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/syncscribe/internal/wire"
)

// Conn is the broker's view of a client socket: something it can address a
// packet to. TCP and UDP clients implement it differently (spec.md §4.2);
// the dispatcher never cares which.
type Conn interface {
	// Send serializes and transmits pkt. TCP implementations queue it for
	// the connection's writer goroutine (spec.md: "written in a loop until
	// all sent or an error occurs"); UDP issues one sendto per packet, no
	// retry.
	Send(pkt wire.Packet) error
	RemoteAddr() net.Addr
	// Close tears down a TCP connection. UDP connections are address-only
	// handles and Close is a no-op.
	Close() error
}

// tcpConn wraps one accepted TCP connection. Reads happen on a dedicated
// goroutine owned by Server.serveTCPConn; writes are serialized through
// sendCh by a dedicated writer goroutine so the dispatcher's serial
// fan-out loop never blocks on a slow peer's socket buffer.
type tcpConn struct {
	nc     net.Conn
	sendCh chan []byte
	codec  packetCodec

	closeOnce sync.Once
	closed    chan struct{}

	txErrors *uint64 // points at the owning ClientSlot.txErrors once assigned
	logger   zerolog.Logger
}

// packetCodec bundles the optional crypto envelope state for one
// connection; nil fields mean the envelope is disabled.
type packetCodec struct {
	sealer wire.Sealer
	opener wire.Opener
}

func (c packetCodec) encode(pkt wire.Packet) ([]byte, error) {
	if c.sealer != nil {
		return wire.EncodeCrypt(pkt, c.sealer)
	}
	return wire.EncodePlain(pkt)
}

// codec builds the packetCodec a new connection should use from the
// Sealer/Opener the caller configured on Server.
func (s *Server) codec() packetCodec {
	return packetCodec{sealer: s.cfg.Sealer, opener: s.cfg.Opener}
}

const sendQueueDepth = 256

func newTCPConn(nc net.Conn, codec packetCodec, logger zerolog.Logger) *tcpConn {
	c := &tcpConn{
		nc:     nc,
		sendCh: make(chan []byte, sendQueueDepth),
		codec:  codec,
		closed: make(chan struct{}),
		logger: logger,
	}
	go c.writeLoop()
	return c
}

func (c *tcpConn) writeLoop() {
	for buf := range c.sendCh {
		if err := c.writeAll(buf); err != nil {
			if c.txErrors != nil {
				*c.txErrors++
			}
			c.logger.Debug().Err(err).Msg("tcp send error")
		}
	}
}

// writeAll loops until every byte is written or a non-retryable error
// occurs, matching spec.md §4.2's TCP send policy.
func (c *tcpConn) writeAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := c.nc.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func (c *tcpConn) Send(pkt wire.Packet) error {
	buf, err := c.codec.encode(pkt)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- buf:
		return nil
	case <-c.closed:
		return net.ErrClosed
	default:
		// Queue full: count as a tx error rather than blocking the
		// single-threaded dispatcher on a stalled peer.
		if c.txErrors != nil {
			*c.txErrors++
		}
		return net.ErrClosed
	}
}

func (c *tcpConn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.sendCh)
		c.nc.Close()
	})
	return nil
}

// udpConn addresses one logical UDP client (identified by source address)
// sharing the broker's single UDP socket. Several udpConn values may share
// the same underlying *net.UDPConn; Send issues one WriteToUDP call with
// no retry, per spec.md §4.2.
type udpConn struct {
	socket *net.UDPConn
	addr   *net.UDPAddr
	codec  packetCodec
}

func (c *udpConn) Send(pkt wire.Packet) error {
	buf, err := c.codec.encode(pkt)
	if err != nil {
		return err
	}
	_, err = c.socket.WriteToUDP(buf, c.addr)
	return err
}

func (c *udpConn) RemoteAddr() net.Addr { return c.addr }
func (c *udpConn) Close() error         { return nil }

// setTCPOptions applies the keepalive/nodelay/linger policy spec.md §4.2
// prescribes for accepted TCP sockets.
func setTCPOptions(nc net.Conn, keepaliveIdle time.Duration) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(keepaliveIdle)
	tc.SetLinger(0)
}
