package broker

import (
	"net"
	"testing"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

type fakeConn struct{ addr net.Addr }

func (f *fakeConn) Send(wire.Packet) error { return nil }
func (f *fakeConn) RemoteAddr() net.Addr   { return f.addr }
func (f *fakeConn) Close() error           { return nil }

func TestEventTableDefineAndCapacity(t *testing.T) {
	et := NewEventTable(2)
	id1 := ident.FromString("one")
	id2 := ident.FromString("two")
	id3 := ident.FromString("three")

	if _, err := et.Define(id1, wire.VarInt32, false); err != nil {
		t.Fatalf("define id1: %v", err)
	}
	if _, err := et.Define(id2, wire.VarInt32, false); err != nil {
		t.Fatalf("define id2: %v", err)
	}
	if _, err := et.Define(id3, wire.VarInt32, false); err != ErrNoCapacity {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if et.Len() != 2 {
		t.Fatalf("expected 2 events defined, got %d", et.Len())
	}

	et.Undefine(id1)
	if et.Len() != 1 {
		t.Fatalf("expected 1 event after undefine, got %d", et.Len())
	}
	if _, err := et.Define(id3, wire.VarInt32, false); err != nil {
		t.Fatalf("expected freed slot to be reusable: %v", err)
	}
}

func TestEventTableForceRedefine(t *testing.T) {
	et := NewEventTable(4)
	id := ident.FromString("mode")
	ev, _ := et.Define(id, wire.VarInt32, false)
	ev.value = []byte{1, 2, 3, 4}
	ev.writeCount = 5

	ev2, err := et.Define(id, wire.VarString, true)
	if err != nil {
		t.Fatalf("force redefine: %v", err)
	}
	if ev2.varType != wire.VarString {
		t.Fatalf("expected redefined type VarString, got %v", ev2.varType)
	}
	if ev2.writeCount != 0 || len(ev2.value) != 0 {
		t.Fatalf("expected force redefine to reset value/writeCount, got %+v", ev2)
	}
}

// TestClientRemovalScrubsSubscriberSets exercises the invariant spec.md §3
// and §9 both require: once a client slot is freed, no event's subscriber
// set may keep a reference into it, even after the slot is reused by a
// different client.
func TestClientRemovalScrubsSubscriberSets(t *testing.T) {
	clients := NewClientTable(4)
	events := NewEventTable(4)
	channels := NewChannelTable(4)

	connA := &fakeConn{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1111}}
	connB := &fakeConn{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 2222}}

	_, refA, err := clients.Add(connA, connA.addr)
	if err != nil {
		t.Fatalf("add connA: %v", err)
	}
	_, refB, err := clients.Add(connB, connB.addr)
	if err != nil {
		t.Fatalf("add connB: %v", err)
	}

	id := ident.FromString("temp")
	ev, _ := events.Define(id, wire.VarFloat, false)
	ev.subscribers = append(ev.subscribers, refA, refB)

	clients.Remove(connA, events, channels)

	if len(ev.subscribers) != 1 || ev.subscribers[0] != refB {
		t.Fatalf("expected only refB to remain after scrub, got %+v", ev.subscribers)
	}

	// Reuse the freed slot with a brand new client and confirm the event's
	// surviving subscriber set never resolves to the new occupant under
	// the old ref.
	connC := &fakeConn{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.3"), Port: 3333}}
	_, refC, err := clients.Add(connC, connC.addr)
	if err != nil {
		t.Fatalf("add connC: %v", err)
	}
	if refC.index != refA.index {
		t.Fatalf("expected slot reuse at the same index, got %d vs %d", refC.index, refA.index)
	}
	if refC.gen == refA.gen {
		t.Fatalf("expected a bumped generation on reuse, got same gen %d", refC.gen)
	}
	for _, r := range ev.subscribers {
		if r == refC {
			t.Fatalf("stale ref incorrectly resolved to the reused slot")
		}
	}

	if _, ok := clients.ByRef(refA); ok {
		t.Fatal("expected ByRef on a freed generation to fail")
	}
}

func TestChannelProducerScrubbedOnClientRemoval(t *testing.T) {
	clients := NewClientTable(2)
	events := NewEventTable(2)
	channels := NewChannelTable(2)

	conn := &fakeConn{addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}}
	_, clientRef, _ := clients.Add(conn, conn.addr)

	id := ident.FromString("rendezvous")
	if _, err := channels.Announce(id, Ticket{Port: 9}, clientRef); err != nil {
		t.Fatalf("announce: %v", err)
	}

	clients.Remove(conn, events, channels)

	ch, ok := channels.Get(id)
	if !ok {
		t.Fatal("expected channel record to survive producer disconnect")
	}
	if ch.producer.valid() {
		t.Fatalf("expected producer ref cleared, got %+v", ch.producer)
	}
}

func TestClientTableNoCapacity(t *testing.T) {
	clients := NewClientTable(1)
	c1 := &fakeConn{addr: &net.TCPAddr{Port: 1}}
	c2 := &fakeConn{addr: &net.TCPAddr{Port: 2}}

	if _, _, err := clients.Add(c1, c1.addr); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if _, _, err := clients.Add(c2, c2.addr); err != ErrNoCapacity {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
}
