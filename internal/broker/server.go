package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/syncscribe/internal/limits"
	"github.com/adred-codev/syncscribe/internal/logging"
	"github.com/adred-codev/syncscribe/internal/metrics"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Config configures a Server. Zero values fall back to the spec.md §4.4
// defaults.
type Config struct {
	TCPAddr string
	UDPAddr string

	MaxEvents         int
	MaxClients        int
	MaxChannels       int
	MaxSubscribers    int
	EnumRecordsPerPkt int

	SyncOffset time.Duration

	KeepaliveIdle time.Duration

	// Sealer/Opener apply the optional crypto envelope (spec.md §4.1/C8)
	// to every accepted connection. Leave both nil to disable it.
	Sealer wire.Sealer
	Opener wire.Opener

	RateLimiter *limits.ConnectionRateLimiter
	Metrics     *metrics.Registry
	Logger      zerolog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxEvents == 0 {
		c.MaxEvents = DefaultMaxEvents
	}
	if c.MaxClients == 0 {
		c.MaxClients = DefaultMaxClients
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = DefaultMaxChannels
	}
	if c.MaxSubscribers == 0 {
		c.MaxSubscribers = DefaultMaxSubscribers
	}
	if c.EnumRecordsPerPkt == 0 {
		c.EnumRecordsPerPkt = 32
	}
	if c.SyncOffset == 0 {
		c.SyncOffset = 300 * time.Millisecond
	}
	if c.KeepaliveIdle == 0 {
		c.KeepaliveIdle = 600 * time.Second
	}
}

// Server is the SyncScribe broker: the three tables (spec.md §4.4) plus
// the TCP/UDP transport that feeds them. All table mutation happens on the
// single goroutine running Server.runDispatcher; everything else posts a
// command.
type Server struct {
	cfg Config

	events   *EventTable
	clients  *ClientTable
	channels *ChannelTable

	updateCounter uint64

	tcpLn   *net.TCPListener
	udpConn *net.UDPConn

	cmds chan func()

	// udpPeers maps a UDP source address to its long-lived udpConn, so
	// repeated packets from the same address reuse one Conn identity
	// instead of minting a fresh one per datagram. Touched only from the
	// dispatcher goroutine.
	udpPeers map[string]*udpConn

	wg     sync.WaitGroup
	logger zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Server. It does not start listening; call ListenAndServe.
func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:      cfg,
		events:   NewEventTable(cfg.MaxEvents),
		clients:  NewClientTable(cfg.MaxClients),
		channels: NewChannelTable(cfg.MaxChannels),
		cmds:     make(chan func(), 1024),
		udpPeers: make(map[string]*udpConn),
		logger:   cfg.Logger,
		closed:   make(chan struct{}),
	}
}

// ListenAndServe opens the TCP listener and UDP socket on cfg.TCPAddr /
// cfg.UDPAddr, starts the dispatcher, and serves until ctx is cancelled or
// Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("broker: resolve tcp addr: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("broker: listen tcp: %w", err)
	}
	s.tcpLn = ln

	udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("broker: resolve udp addr: %w", err)
	}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("broker: listen udp: %w", err)
	}
	s.udpConn = uc

	s.wg.Add(3)
	go s.runDispatcher()
	go s.acceptLoop()
	go s.udpLoop()

	s.logger.Info().Str("tcp", s.cfg.TCPAddr).Str("udp", s.cfg.UDPAddr).Msg("broker listening")

	<-ctx.Done()
	return s.Shutdown()
}

// Shutdown closes the listeners, then every client socket, then joins the
// dispatcher (spec.md §5: "the broker has no explicit shutdown in the
// source... implementations should add cooperative shutdown that closes
// the listener, then each client socket, then joins the dispatcher").
func (s *Server) Shutdown() error {
	s.closeOnce.Do(func() {
		if s.tcpLn != nil {
			s.tcpLn.Close()
		}
		if s.udpConn != nil {
			s.udpConn.Close()
		}
		done := make(chan struct{})
		s.cmds <- func() {
			s.clients.ForEach(func(c *ClientSlot) {
				c.conn.Close()
			})
			close(done)
		}
		<-done
		close(s.closed)
	})
	s.wg.Wait()
	return nil
}

func (s *Server) runDispatcher() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "broker.dispatcher", nil)
	for {
		select {
		case cmd := <-s.cmds:
			cmd()
		case <-s.closed:
			return
		}
	}
}

// post submits fn to run on the dispatcher goroutine. It never blocks
// indefinitely: the command channel is large and is never closed, and once
// shutdown has closed s.closed post may return without queueing fn, making
// it a silent no-op (the broker is going away anyway).
func (s *Server) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.closed:
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "broker.accept", nil)
	for {
		nc, err := s.tcpLn.AcceptTCP()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Warn().Err(err).Msg("tcp accept error")
				return
			}
		}
		if s.cfg.RateLimiter != nil && !s.cfg.RateLimiter.Allow(nc.RemoteAddr()) {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.AcceptsRejected.Inc()
			}
			nc.Close()
			continue
		}
		setTCPOptions(nc, s.cfg.KeepaliveIdle)
		s.wg.Add(1)
		go s.serveTCPConn(nc)
	}
}

// serveTCPConn owns one accepted connection's read loop: it frames bytes
// off the wire, decodes packets, and posts each one to the dispatcher. It
// exits on EOF or a non-retryable read error, at which point it posts the
// client's removal.
func (s *Server) serveTCPConn(nc net.Conn) {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "broker.conn", map[string]any{"remote": nc.RemoteAddr().String()})

	conn := newTCPConn(nc, s.codec(), s.logger)
	defer conn.Close()
	defer s.post(func() {
		s.clients.Remove(conn, s.events, s.channels)
	})

	// spec.md §3: a client record is created on TCP accept, not deferred
	// until the CLIENT_ID handshake; CLIENT_ID only fills in id/version.
	registered := make(chan struct{})
	s.post(func() {
		if slot, _, err := s.clients.Add(conn, nc.RemoteAddr()); err == nil {
			conn.txErrors = &slot.txErrors
		} else {
			s.logger.Warn().Err(err).Msg("client table full, dropping connection")
			conn.Close()
		}
		close(registered)
	})
	<-registered

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
				pkt, derr := wire.Decode(frame, s.cfg.Opener)
				if derr != nil {
					s.logger.Debug().Err(derr).Msg("packet decode error")
					continue
				}
				s.dispatchPacket(conn, pkt)
			}
		}
		if err != nil {
			return
		}
	}
}

// udpLoop reads every datagram arriving on the shared UDP socket, decodes
// it as a single packet, and posts it with a udpConn addressed back at the
// sender.
func (s *Server) udpLoop() {
	defer s.wg.Done()
	defer logging.RecoverPanic(s.logger, "broker.udp", nil)
	buf := make([]byte, 8192)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				// Transient UDP errors (no route, network down) are
				// ignored per spec.md §5; only a closed socket ends the
				// loop.
				if isClosedConnErr(err) {
					return
				}
				continue
			}
		}
		if n < wire.HeaderSize {
			continue
		}
		pkt, derr := wire.Decode(buf[:n], s.cfg.Opener)
		if derr != nil {
			s.logger.Debug().Err(derr).Msg("udp packet decode error")
			continue
		}
		peerAddr := addr
		s.post(func() {
			conn := s.resolveUDPPeer(peerAddr)
			s.handlePacket(conn, pkt)
		})
	}
}

// resolveUDPPeer returns the stable udpConn identity for a source address,
// creating one on first contact. Dispatcher-goroutine only.
func (s *Server) resolveUDPPeer(addr *net.UDPAddr) *udpConn {
	key := addr.String()
	if c, ok := s.udpPeers[key]; ok {
		return c
	}
	c := &udpConn{socket: s.udpConn, addr: addr, codec: s.codec()}
	s.udpPeers[key] = c
	return c
}

// dispatchPacket posts a decoded packet to the dispatcher goroutine for
// opcode handling. Used by TCP connections, whose Conn identity is already
// stable.
func (s *Server) dispatchPacket(conn Conn, pkt wire.Packet) {
	s.post(func() {
		s.handlePacket(conn, pkt)
	})
}

func isClosedConnErr(err error) bool {
	return err == net.ErrClosed || errorsIsClosed(err)
}

func errorsIsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Stats is a point-in-time snapshot of table occupancy, useful for the
// /healthz-equivalent metrics scrape.
type Stats struct {
	Events, EventsMax     int
	Clients, ClientsMax   int
	Channels, ChannelsMax int
	UpdateCounter         uint64
}

// Stats returns a snapshot of table occupancy. It is safe to call from any
// goroutine; it hops onto the dispatcher to read consistent values.
func (s *Server) Stats() Stats {
	done := make(chan Stats, 1)
	s.post(func() {
		done <- Stats{
			Events: s.events.Len(), EventsMax: s.events.Cap(),
			Clients: s.clients.Len(), ClientsMax: s.clients.Cap(),
			Channels: s.channels.Len(), ChannelsMax: s.channels.Cap(),
			UpdateCounter: s.updateCounter,
		}
	})
	select {
	case st := <-done:
		return st
	case <-s.closed:
		return Stats{}
	}
}
