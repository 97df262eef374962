// Package discovery implements the SSDP-style multicast handshake spec.md
// §4.3 (C3) describes for locating a SyncScribe broker by service name: a
// client sends an M-SEARCH datagram to the multicast group, the broker
// replies unicast with a LOCATION header carrying its address, and an
// optional beacon mode lets the broker announce itself unsolicited.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/syncscribe/internal/limits"
	"github.com/adred-codev/syncscribe/internal/logging"
)

// DefaultAddr is the SSDP multicast group and port SyncScribe uses.
const DefaultAddr = "239.255.255.250:1900"

// DefaultServiceName is the ST/USN service token brokers and clients agree
// on out of band.
const DefaultServiceName = "syncscribe-server"

const searchPrefix = "M-SEARCH * HTTP/1.1"

func buildSearch(serviceName string) string {
	return fmt.Sprintf("M-SEARCH * HTTP/1.1\r\nHOST: %s\r\nMAN: \"ssdp:discover\"\r\nST: %s\r\n\r\n", DefaultAddr, serviceName)
}

func buildResponse(location, serviceName, usn string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nLOCATION: %s\r\nST: %s\r\nUSN: %s\r\n\r\n", location, serviceName, usn)
}

// isSearch reports whether buf is an M-SEARCH request for serviceName (or
// any service, if serviceName is empty).
func isSearch(buf []byte, serviceName string) bool {
	s := string(buf)
	if !strings.HasPrefix(s, searchPrefix) {
		return false
	}
	if serviceName == "" {
		return true
	}
	return strings.Contains(s, "ST:") && strings.Contains(s, serviceName)
}

// ParseLocation extracts the "host:port" pair out of a raw SSDP response,
// mirroring the client-side parse spec.md §4.3 prescribes: find the
// substring after "LOCATION:", copy up to the next ':' as the address,
// and parse the trailing decimal digits as the port.
func ParseLocation(resp []byte) (host string, port int, err error) {
	s := string(resp)
	idx := strings.Index(s, "LOCATION:")
	if idx < 0 {
		return "", 0, fmt.Errorf("discovery: no LOCATION header in response")
	}
	rest := strings.TrimSpace(s[idx+len("LOCATION:"):])
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	rest = strings.TrimSpace(rest)
	hostPart, portPart, err := net.SplitHostPort(rest)
	if err != nil {
		return "", 0, fmt.Errorf("discovery: malformed LOCATION %q: %w", rest, err)
	}
	p, err := strconv.Atoi(strings.TrimSpace(portPart))
	if err != nil {
		return "", 0, fmt.Errorf("discovery: malformed LOCATION port %q: %w", portPart, err)
	}
	return hostPart, p, nil
}

// ResponderConfig configures a Responder.
type ResponderConfig struct {
	Addr        string // multicast group:port, defaults to DefaultAddr
	ServiceName string // defaults to DefaultServiceName
	USN         string // this broker's unique identity in replies
	Location    string // "host:port" advertised back to clients

	Beacon         bool          // emit unsolicited responses periodically
	BeaconInterval time.Duration // defaults to 500ms

	Guard  *limits.ResourceGuard // optional: pauses beacon under CPU load
	Logger zerolog.Logger
}

// Responder answers M-SEARCH requests for one broker and, optionally,
// beacons unsolicited responses to the multicast group.
type Responder struct {
	cfg  ResponderConfig
	conn *net.UDPConn

	cancel context.CancelFunc
	done   chan struct{}
}

// NewResponder joins the SSDP multicast group and starts answering
// M-SEARCH requests. Call Stop to leave the group and stop the beacon.
func NewResponder(cfg ResponderConfig) (*Responder, error) {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.BeaconInterval == 0 {
		cfg.BeaconInterval = 500 * time.Millisecond
	}

	groupAddr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return nil, fmt.Errorf("discovery: join multicast group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Responder{cfg: cfg, conn: conn, cancel: cancel, done: make(chan struct{})}

	go r.serve(ctx)
	if cfg.Beacon {
		go r.beaconLoop(ctx, groupAddr)
	}
	return r, nil
}

func (r *Responder) serve(ctx context.Context) {
	defer close(r.done)
	defer logging.RecoverPanic(r.cfg.Logger, "discovery.responder", nil)
	buf := make([]byte, 2048)
	for {
		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := r.conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			continue // includes the read-deadline timeout used to poll ctx.Done
		}
		if !isSearch(buf[:n], r.cfg.ServiceName) {
			continue
		}
		resp := buildResponse(r.cfg.Location, r.cfg.ServiceName, r.cfg.USN)
		r.conn.WriteToUDP([]byte(resp), addr)
	}
}

func (r *Responder) beaconLoop(ctx context.Context, group *net.UDPAddr) {
	ticker := time.NewTicker(r.cfg.BeaconInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.cfg.Guard != nil && r.cfg.Guard.ShouldPauseBeacon() {
				continue
			}
			resp := buildResponse(r.cfg.Location, r.cfg.ServiceName, r.cfg.USN)
			r.conn.WriteToUDP([]byte(resp), group)
		}
	}
}

// Stop leaves the multicast group and halts the responder/beacon
// goroutines.
func (r *Responder) Stop() {
	r.cancel()
	r.conn.Close()
	<-r.done
}

// Locate sends one M-SEARCH datagram to the multicast group and waits up
// to timeout for a broker's unicast reply, returning its advertised
// "host:port". This is the client-side half of C3.
func Locate(serviceName string, timeout time.Duration) (addr string, err error) {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	groupAddr, err := net.ResolveUDPAddr("udp4", DefaultAddr)
	if err != nil {
		return "", fmt.Errorf("discovery: resolve multicast addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return "", fmt.Errorf("discovery: open socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.WriteToUDP([]byte(buildSearch(serviceName)), groupAddr); err != nil {
		return "", fmt.Errorf("discovery: send m-search: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return "", fmt.Errorf("discovery: no response within %s: %w", timeout, err)
	}
	host, port, err := ParseLocation(buf[:n])
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
