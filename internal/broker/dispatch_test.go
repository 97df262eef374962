package broker

import (
	"net"
	"testing"
	"time"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// fakeSendConn is a fakeConn that records every packet handed to Send, for
// tests that need to inspect what the dispatcher sent back.
type fakeSendConn struct {
	fakeConn
	sent   []wire.Packet
	closed bool
}

func (f *fakeSendConn) Send(pkt wire.Packet) error {
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeSendConn) Close() error {
	f.closed = true
	return nil
}

func newServerForTest() *Server {
	return New(Config{
		MaxEvents:      8,
		MaxClients:     8,
		MaxChannels:    8,
		MaxSubscribers: 8,
	})
}

// TestClientIDVersionMismatchClosesConnection covers spec.md §8 scenario 6:
// a client identifying with a major version the broker doesn't support gets
// SERVER_STATUS NOTSUPPORT and the socket closed, with its client slot left
// unidentified.
func TestClientIDVersionMismatchClosesConnection(t *testing.T) {
	s := newServerForTest()
	conn := &fakeSendConn{fakeConn: fakeConn{addr: &net.TCPAddr{Port: 1}}}
	slot, _, err := s.clients.Add(conn, conn.RemoteAddr())
	if err != nil {
		t.Fatalf("add client slot: %v", err)
	}

	pkt := wire.Packet{Header: wire.Header{
		Type:  wire.Type{Opcode: wire.OpClientID},
		ID:    ident.FromString("stale-client"),
		SyncA: wire.VersionMajor + 1,
		SyncB: 0,
	}}
	s.handleClientID(conn, slot, pkt)

	if !conn.closed {
		t.Fatal("expected connection to be closed on version mismatch")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(conn.sent))
	}
	got := conn.sent[0]
	if got.Header.Type.Opcode != wire.OpServerStatus {
		t.Fatalf("expected SERVER_STATUS reply, got opcode %v", got.Header.Type.Opcode)
	}
	if wire.Status(got.Header.UpdateCounter) != wire.StatusNotSupport {
		t.Fatalf("expected StatusNotSupport, got %v", got.Header.UpdateCounter)
	}
	if slot.identified {
		t.Fatal("expected slot to remain unidentified after a rejected handshake")
	}
}

// TestClientIDMatchingVersionAccepted is the companion happy path: a
// matching major version is accepted and the slot gets marked identified.
func TestClientIDMatchingVersionAccepted(t *testing.T) {
	s := newServerForTest()
	conn := &fakeSendConn{fakeConn: fakeConn{addr: &net.TCPAddr{Port: 2}}}
	slot, _, err := s.clients.Add(conn, conn.RemoteAddr())
	if err != nil {
		t.Fatalf("add client slot: %v", err)
	}

	pkt := wire.Packet{Header: wire.Header{
		Type:  wire.Type{Opcode: wire.OpClientID},
		ID:    ident.FromString("fresh-client"),
		SyncA: wire.VersionMajor,
		SyncB: wire.VersionMinor,
	}}
	s.handleClientID(conn, slot, pkt)

	if conn.closed {
		t.Fatal("expected connection to stay open on matching version")
	}
	if !slot.identified {
		t.Fatal("expected slot to be marked identified")
	}
	if len(conn.sent) != 1 || wire.Status(conn.sent[0].Header.UpdateCounter) != wire.StatusNotFound {
		t.Fatalf("expected a single StatusNotFound reply, got %+v", conn.sent)
	}
}

// TestWriteWithSyncFlagStampsDeadline covers spec.md §8 scenario 5: a WRITE
// carrying the SYNC flag stamps every fanned-out EVENT with a non-zero
// wall-clock deadline derived from the broker's configured sync offset;
// without the flag the deadline fields stay zero.
func TestWriteWithSyncFlagStampsDeadline(t *testing.T) {
	s := newServerForTest()
	s.cfg.SyncOffset = 50 * time.Millisecond

	producerConn := &fakeSendConn{fakeConn: fakeConn{addr: &net.TCPAddr{Port: 10}}}
	_, producerRef, _ := s.clients.Add(producerConn, producerConn.RemoteAddr())

	subConn := &fakeSendConn{fakeConn: fakeConn{addr: &net.TCPAddr{Port: 11}}}
	subSlot, subRef, _ := s.clients.Add(subConn, subConn.RemoteAddr())
	_ = subSlot

	id := ident.FromString("demo.sync")
	ev, err := s.events.Define(id, wire.VarInt32, false)
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	ev.subscribers = append(ev.subscribers, subRef)

	before := time.Now()
	s.handleWrite(producerConn, producerRef, wire.Packet{Header: wire.Header{
		Type:    wire.Type{Opcode: wire.OpWrite, VarType: wire.VarInt32, Flags: wire.FlagSync},
		ID:      id,
		SyncA:   1,
	}, Payload: []byte{1, 0, 0, 0}})

	if len(subConn.sent) != 1 {
		t.Fatalf("expected one fanned-out EVENT, got %d", len(subConn.sent))
	}
	got := subConn.sent[0]
	if got.Header.SyncA == 0 && got.Header.SyncB == 0 {
		t.Fatal("expected a non-zero sync deadline stamped on the fanned-out EVENT")
	}
	deadline := time.Unix(int64(got.Header.SyncA), int64(got.Header.SyncB))
	if deadline.Before(before) {
		t.Fatalf("expected deadline %v to be at/after the write time %v", deadline, before)
	}

	// A plain write (no SYNC flag) must leave the deadline fields zero.
	subConn.sent = nil
	s.handleWrite(producerConn, producerRef, wire.Packet{Header: wire.Header{
		Type: wire.Type{Opcode: wire.OpWrite, VarType: wire.VarInt32},
		ID:   id,
	}, Payload: []byte{2, 0, 0, 0}})
	if len(subConn.sent) != 1 {
		t.Fatalf("expected one fanned-out EVENT, got %d", len(subConn.sent))
	}
	if got := subConn.sent[0]; got.Header.SyncA != 0 || got.Header.SyncB != 0 {
		t.Fatalf("expected zero deadline on a non-SYNC write, got SyncA=%d SyncB=%d", got.Header.SyncA, got.Header.SyncB)
	}
}
