// Package client implements the SyncScribe client runtime (spec.md §4.5,
// C5): a persistent connection with reconnect, subscription resurrection,
// synchronous request/response matching over the asynchronous byte
// stream, and the parallel multi-packet enumeration protocol. Package
// client also carries the typed API surface (C6) and the sync-delivery
// wait (C7).
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/syncscribe/internal/discovery"
	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/logging"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Config configures a Client.
type Config struct {
	// ID is this client's own identifier, sent on every CLIENT_ID
	// handshake.
	ID string

	// ServerAddr is the broker's "host:port". Leave empty and set
	// Discover to locate one via SSDP instead.
	ServerAddr string
	Discover   bool
	ServiceName string

	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	RequestTimeout      time.Duration

	// Sealer/Opener apply the optional crypto envelope (spec.md §4.1/C8).
	// Leave both nil to disable it.
	Sealer wire.Sealer
	Opener wire.Opener

	Logger zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.ReconnectMinBackoff == 0 {
		c.ReconnectMinBackoff = 300 * time.Millisecond
	}
	if c.ReconnectMaxBackoff == 0 {
		c.ReconnectMaxBackoff = 1 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.ServiceName == "" {
		c.ServiceName = discovery.DefaultServiceName
	}
}

// packetCodec bundles the optional crypto envelope state for the
// connection; nil fields mean the envelope is disabled. Deliberately not
// shared with package broker: the two sides' connection lifecycles are
// different enough (one dials, one accepts) that sharing the type would
// just be an awkward cross-package dependency for a four-line struct.
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

// codec builds the packetCodec this connection uses from the
// Sealer/Opener the caller configured on Config.
func (c *Client) codec() packetCodec {
	return packetCodec{sealer: c.cfg.Sealer, opener: c.cfg.Opener}
}

// Client is a persistent, auto-reconnecting connection to one SyncScribe
// broker.
type Client struct {
	cfg    Config
	id     ident.ID
	logger zerolog.Logger

	subs     *subscriptionRegistry
	channels *channelRegistry

	readWaiter   callWaiter
	ticketWaiter callWaiter
	eventsEnum   enumWaiter
	clientsEnum  enumWaiter
	channelsEnum enumWaiter
	enumSeq      atomic.Uint32

	latestReady chan deliveredEvent

	connMu sync.Mutex
	nc     net.Conn
	up     atomic.Bool

	terminal atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

type deliveredEvent struct {
	id    ident.ID
	value []byte
}

// New builds a Client. Call Connect to start the reconnect loop.
func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:         cfg,
		id:          ident.FromString(cfg.ID),
		logger:      cfg.Logger,
		subs:        newSubscriptionRegistry(),
		channels:    newChannelRegistry(),
		latestReady: make(chan deliveredEvent, 1),
		done:        make(chan struct{}),
	}
}

// Connect starts the background worker that dials the broker, performs
// the handshake, resurrects subscriptions/channels, and serves the
// receive loop, reconnecting with backoff on any disconnect (spec.md
// §4.5). It returns nil once the first attempt has connected and sent its
// handshake, that attempt's error if it fails, or ctx's error if ctx ends
// first.
func (c *Client) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	firstAttempt := make(chan error, 1)
	go c.runLoop(runCtx, firstAttempt)

	select {
	case err := <-firstAttempt:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the socket is currently up.
func (c *Client) IsConnected() bool { return c.up.Load() }

// Disconnect sets the terminal flag, tears down the socket, and waits for
// the worker to exit (spec.md §5, client shutdown sequence).
func (c *Client) Disconnect() {
	c.terminal.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.connMu.Lock()
	if c.nc != nil {
		c.nc.Close()
	}
	c.connMu.Unlock()
	<-c.done
}

func (c *Client) runLoop(ctx context.Context, firstAttempt chan<- error) {
	defer close(c.done)
	defer logging.RecoverPanic(c.logger, "client.runLoop", nil)

	backoff := c.cfg.ReconnectMinBackoff
	first := true
	for {
		if c.terminal.Load() {
			if first {
				firstAttempt <- ErrTerminal
			}
			return
		}
		select {
		case <-ctx.Done():
			if first {
				firstAttempt <- ctx.Err()
			}
			return
		default:
		}

		err := c.connectOnce(ctx, func() {
			if first {
				firstAttempt <- nil
				first = false
			}
		})
		if first {
			firstAttempt <- err
			first = false
		}

		if c.terminal.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff, c.cfg.ReconnectMaxBackoff)):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMaxBackoff {
			backoff = c.cfg.ReconnectMaxBackoff
		}
	}
}

func jitter(base, max time.Duration) time.Duration {
	if base > max {
		base = max
	}
	j := base + time.Duration(rand.Int63n(int64(base/2+1)))
	if j > max {
		j = max
	}
	return j
}

// resolveAddr either uses the configured address or locates one via SSDP.
func (c *Client) resolveAddr() (string, error) {
	if c.cfg.ServerAddr != "" {
		return c.cfg.ServerAddr, nil
	}
	if !c.cfg.Discover {
		return "", fmt.Errorf("client: no server address and discovery disabled")
	}
	return discovery.Locate(c.cfg.ServiceName, 2*time.Second)
}

// connectOnce dials, handshakes, resurrects, and serves the receive loop
// until the connection drops, returning the reason. onUp is called once the
// handshake and resurrection have been sent, before the receive loop
// starts. This is the full worker-loop lifecycle spec.md §4.5 describes as
// steps (a)-(f).
func (c *Client) connectOnce(ctx context.Context, onUp func()) error {
	addr, err := c.resolveAddr()
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not resolve broker address")
		return err
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.logger.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		return err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(60 * time.Second)
	}

	c.connMu.Lock()
	c.nc = nc
	c.connMu.Unlock()
	c.up.Store(true)
	defer func() {
		c.up.Store(false)
		nc.Close()
		c.connMu.Lock()
		if c.nc == nc {
			c.nc = nil
		}
		c.connMu.Unlock()
	}()

	if err := c.handshake(); err != nil {
		c.logger.Warn().Err(err).Msg("client_id handshake failed")
		return err
	}
	c.resurrect()
	onUp()

	return c.receiveLoop(nc)
}

// handshake sends CLIENT_ID and does not wait for the broker's
// SERVER_STATUS reply (NOTFOUND on success; NOTSUPPORT is fatal, handled
// by the dispatcher once the receive loop starts — here we just send it,
// matching the original's fire-and-continue handshake instead of
// blocking the connect path on a reply that the receive loop will see
// anyway).
func (c *Client) handshake() error {
	return c.sendPacket(wire.Packet{Header: wire.Header{
		Type:  wire.Type{Opcode: wire.OpClientID},
		ID:    c.id,
		SyncA: wire.VersionMajor,
		SyncB: wire.VersionMinor,
	}})
}

// resurrect re-sends every registered SUBSCRIBE (with its last-seen
// counter, so a stale one gets exactly one LOST redelivery) and every
// owned channel's ANONS. This is the step that hides reconnects from the
// application (spec.md §4.5).
func (c *Client) resurrect() {
	c.subs.forEach(func(s *subscription) {
		c.sendPacket(wire.Packet{Header: wire.Header{
			Type:          wire.Type{Opcode: wire.OpSubscribe, VarType: s.varType},
			ID:            s.id,
			UpdateCounter: s.lastSeen(),
		}})
	})
	c.channels.forEach(func(id ident.ID, ch announcedChannel) {
		c.sendPacket(wire.Packet{
			Header:  wire.Header{Type: wire.Type{Opcode: wire.OpChannel, ChanSub: wire.ChanAnons}, ID: id},
			Payload: encodeTicket(ch),
		})
	})
}

// withTimeout returns ctx unchanged if it already carries a deadline,
// otherwise wraps it with cfg.RequestTimeout. Request-scoped calls (Read,
// RequestChannel, the enumeration helpers) use this so a caller who didn't
// bother setting a deadline still gets bounded blocking.
func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// sendPacket serializes and writes one packet to the current connection.
// Returns ErrNotConnected if there isn't one.
func (c *Client) sendPacket(pkt wire.Packet) error {
	c.connMu.Lock()
	nc := c.nc
	c.connMu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	buf, err := c.codec().encode(pkt)
	if err != nil {
		return err
	}
	for len(buf) > 0 {
		n, err := nc.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

func encodeTicket(c announcedChannel) []byte {
	buf := make([]byte, 8)
	copy(buf[0:4], c.ip[:])
	buf[4] = byte(c.port)
	buf[5] = byte(c.port >> 8)
	buf[6] = byte(c.flags)
	buf[7] = byte(c.flags >> 8)
	return buf
}

// receiveLoop frames and decodes packets off nc until EOF or error,
// dispatching each one by opcode. It is the "single receive worker" of
// spec.md §4.5.
func (c *Client) receiveLoop(nc net.Conn) error {
	framer := wire.NewFramer()
	buf := make([]byte, 8192)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			framer.Feed(buf[:n])
			for {
				frame, ok := framer.Next()
				if !ok {
					break
				}
				pkt, derr := wire.Decode(frame, c.cfg.Opener)
				if derr != nil {
					c.logger.Debug().Err(derr).Msg("packet decode error")
					continue
				}
				c.dispatch(pkt)
				if c.terminal.Load() {
					return ErrTerminal
				}
			}
		}
		if err != nil {
			return err
		}
	}
}
