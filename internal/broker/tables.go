// Package broker implements the SyncScribe broker state engine (spec.md
// §4.4, C4): the bounded tables of clients, events, and channels, their
// fan-out discipline, and the multi-packet enumeration producer.
//
// Every table is mutated from exactly one goroutine, Server.runDispatcher.
// External callers (connection readers, the public embedding API) never
// touch a table field directly; they post a command on Server.cmds (via
// Server.post) and the dispatcher loop applies it. This is option (a) from spec.md §9's "global-mutex-or-
// single-thread" design note: strict single-thread access, public calls
// expressed as posted messages, so the tables themselves need no lock.
package broker

import (
	"net"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Default table capacities, matching spec.md §4.4 and the original
// implementation's SYNCS_EVENT_MAXIMUM / SYNCS_CLIENT_MAXIMUM /
// SYNCS_CHANNEL_MAXIMUM.
const (
	DefaultMaxEvents      = 256
	DefaultMaxClients     = 64
	DefaultMaxChannels    = 32
	DefaultMaxSubscribers = 64

	// MaxEventValue is the largest last-value buffer an event stores,
	// chosen so it is safe to fan out over a single UDP datagram.
	MaxEventValue = 512
)

// ref is a weak, generation-tagged back-reference into the client table.
// Event subscriber sets and channel producer fields hold refs rather than
// pointers so that a client slot freed and later reused cannot be mistaken
// for the client that originally held the reference (spec.md §9, "weak
// back-references in subscriber sets").
type ref struct {
	index int
	gen   uint64
}

var noRef = ref{index: -1}

func (r ref) valid() bool { return r.index >= 0 }

// Event is the broker's record for one defined identifier: its declared
// type, last-written value, write statistics, and subscriber set.
type Event struct {
	id            ident.ID
	varType       wire.VarType
	value         []byte
	writeCount    uint64
	updateCounter uint64
	producer      ref
	subscribers   []ref // bounded to MaxSubscribers, no duplicates
	callback      func(id ident.ID, value []byte)
}

// ID returns the event's identifier.
func (e *Event) ID() ident.ID { return e.id }

// VarType returns the event's declared variable type.
func (e *Event) VarType() wire.VarType { return e.varType }

// Value returns the event's last-written value. The returned slice is
// owned by the table; callers must not mutate it.
func (e *Event) Value() []byte { return e.value }

// UpdateCounter returns the broker-global counter value at the event's
// last write.
func (e *Event) UpdateCounter() uint64 { return e.updateCounter }

// eventSlot pairs an Event with the slab bookkeeping, which for this table
// is only an occupancy flag (no generation is kept for event slots).
type eventSlot struct {
	occupied bool
	event    Event
}

// EventTable is the broker's fixed-capacity slab of defined events. Only
// the dispatcher goroutine touches it.
type EventTable struct {
	slots []eventSlot
	count int
}

// NewEventTable allocates a table with room for capacity events.
func NewEventTable(capacity int) *EventTable {
	return &EventTable{slots: make([]eventSlot, capacity)}
}

// Len reports the number of currently defined events.
func (t *EventTable) Len() int { return t.count }

// Cap reports the table's fixed capacity.
func (t *EventTable) Cap() int { return len(t.slots) }

// find returns the slot index holding id, or -1.
func (t *EventTable) find(id ident.ID) int {
	for i := range t.slots {
		if t.slots[i].occupied && t.slots[i].event.id.Equal(id) {
			return i
		}
	}
	return -1
}

// Get returns the event for id, if defined.
func (t *EventTable) Get(id ident.ID) (*Event, bool) {
	i := t.find(id)
	if i < 0 {
		return nil, false
	}
	return &t.slots[i].event, true
}

// Define creates an event slot for id if one does not already exist,
// returning it. If force is true and the event already exists, its
// declared type and value are reset as if freshly defined (the FORCE
// attribute flag on DEFINE). Returns ErrNoCapacity if no free slot remains
// for a brand new identifier.
func (t *EventTable) Define(id ident.ID, varType wire.VarType, force bool) (*Event, error) {
	if i := t.find(id); i >= 0 {
		if force {
			t.slots[i].event = Event{id: id, varType: varType}
		}
		return &t.slots[i].event, nil
	}
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i] = eventSlot{occupied: true, event: Event{id: id, varType: varType}}
			t.count++
			return &t.slots[i].event, nil
		}
	}
	return nil, ErrNoCapacity
}

// Undefine frees id's event slot, discarding its subscriber list. Reports
// whether an event was actually present.
func (t *EventTable) Undefine(id ident.ID) bool {
	i := t.find(id)
	if i < 0 {
		return false
	}
	t.slots[i] = eventSlot{}
	t.count--
	return true
}

// ForEach calls fn for every defined event, in table order. fn must not
// mutate the table.
func (t *EventTable) ForEach(fn func(*Event)) {
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(&t.slots[i].event)
		}
	}
}

// scrubClient removes every subscriber reference and producer reference
// pointing at the given client slot index from every event, called by
// ClientTable.Remove before the slot is handed back for reuse. This is the
// invariant-preserving scrub spec.md §9 requires: a dangling ref into a
// reused slot must never be mistaken for its new occupant.
func (t *EventTable) scrubClient(clientIndex int) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			continue
		}
		ev := &t.slots[i].event
		if ev.producer.valid() && ev.producer.index == clientIndex {
			ev.producer = noRef
		}
		if len(ev.subscribers) == 0 {
			continue
		}
		out := ev.subscribers[:0]
		for _, r := range ev.subscribers {
			if r.index != clientIndex {
				out = append(out, r)
			}
		}
		ev.subscribers = out
	}
}

// ClientSlot is the broker's record for one connected (or last-known-UDP)
// client.
type ClientSlot struct {
	id                  ident.ID
	conn                Conn
	remoteAddr          net.Addr
	versionMajor        uint32
	versionMinor        uint32
	rxPackets           uint64
	txPackets           uint64
	txErrors            uint64
	subscriptionCount   int
	writeCount          uint64
	identified          bool // CLIENT_ID handshake completed
}

// ID returns the client's identifier.
func (c *ClientSlot) ID() ident.ID { return c.id }

// RemoteAddr returns the client's observed source address.
func (c *ClientSlot) RemoteAddr() net.Addr { return c.remoteAddr }

type clientSlotEntry struct {
	occupied bool
	gen      uint64
	client   ClientSlot
}

// ClientTable is the broker's fixed-capacity slab of connected clients.
type ClientTable struct {
	slots []clientSlotEntry
	count int
	// byConn maps a live Conn to its slot index for O(1) lookup on inbound
	// packets (the connection readers never know their own slot index
	// until the CLIENT_ID/first-packet handshake assigns one).
	byConn map[Conn]int
}

// NewClientTable allocates a table with room for capacity clients.
func NewClientTable(capacity int) *ClientTable {
	return &ClientTable{
		slots:  make([]clientSlotEntry, capacity),
		byConn: make(map[Conn]int, capacity),
	}
}

// Len reports the number of currently connected clients.
func (t *ClientTable) Len() int { return t.count }

// Cap reports the table's fixed capacity.
func (t *ClientTable) Cap() int { return len(t.slots) }

// Lookup returns the slot for a live connection, if one has been assigned.
func (t *ClientTable) Lookup(c Conn) (*ClientSlot, ref, bool) {
	i, ok := t.byConn[c]
	if !ok {
		return nil, ref{}, false
	}
	return &t.slots[i].client, ref{index: i, gen: t.slots[i].gen}, true
}

// ByRef resolves a ref back to its ClientSlot, returning false if the slot
// has since been freed or reused under a different generation.
func (t *ClientTable) ByRef(r ref) (*ClientSlot, bool) {
	if !r.valid() || r.index >= len(t.slots) {
		return nil, false
	}
	e := &t.slots[r.index]
	if !e.occupied || e.gen != r.gen {
		return nil, false
	}
	return &e.client, true
}

// Add creates a client slot bound to conn. Returns ErrNoCapacity if the
// table is full.
func (t *ClientTable) Add(conn Conn, remoteAddr net.Addr) (*ClientSlot, ref, error) {
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i].occupied = true
			t.slots[i].gen++
			t.slots[i].client = ClientSlot{conn: conn, remoteAddr: remoteAddr}
			t.count++
			t.byConn[conn] = i
			return &t.slots[i].client, ref{index: i, gen: t.slots[i].gen}, nil
		}
	}
	return nil, ref{}, ErrNoCapacity
}

// Remove tears down the client slot bound to conn: it scrubs every event's
// subscriber and producer references to this slot (events parameter) so
// nothing dangles once the slot is reused, clears the producer reference
// of every channel this client produced (channels parameter; the channel
// records themselves stay), and frees the slot.
func (t *ClientTable) Remove(conn Conn, events *EventTable, channels *ChannelTable) {
	i, ok := t.byConn[conn]
	if !ok {
		return
	}
	delete(t.byConn, conn)
	events.scrubClient(i)
	channels.scrubClient(i)
	t.slots[i] = clientSlotEntry{gen: t.slots[i].gen}
	t.count--
}

// ForEach calls fn for every connected client, in table order.
func (t *ClientTable) ForEach(fn func(*ClientSlot)) {
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(&t.slots[i].client)
		}
	}
}

// Ticket is a channel's rendezvous payload: the producer's observed
// address, port, and an opaque flags word (spec.md §9: "channels' flags
// semantics beyond the TCP/UDP/ICMP subtype are not documented" — flags is
// passed through verbatim, never interpreted by the broker).
type Ticket struct {
	IP    [4]byte
	Port  uint16
	Flags uint16
}

// Channel is the broker's rendezvous record: it is not a data pipe, only a
// place for a producer to park a ticket and a consumer to fetch it.
type Channel struct {
	id            ident.ID
	ticket        Ticket
	producer      ref
	announceCount uint64
	requestCount  uint64
}

// ID returns the channel's identifier.
func (c *Channel) ID() ident.ID { return c.id }

// Ticket returns the channel's stored rendezvous ticket.
func (c *Channel) Ticket() Ticket { return c.ticket }

type channelSlot struct {
	occupied bool
	channel  Channel
}

// ChannelTable is the broker's fixed-capacity slab of channel rendezvous
// records.
type ChannelTable struct {
	slots []channelSlot
	count int
}

// NewChannelTable allocates a table with room for capacity channels.
func NewChannelTable(capacity int) *ChannelTable {
	return &ChannelTable{slots: make([]channelSlot, capacity)}
}

// Len reports the number of currently active channels.
func (t *ChannelTable) Len() int { return t.count }

// Cap reports the table's fixed capacity.
func (t *ChannelTable) Cap() int { return len(t.slots) }

func (t *ChannelTable) find(id ident.ID) int {
	for i := range t.slots {
		if t.slots[i].occupied && t.slots[i].channel.id.Equal(id) {
			return i
		}
	}
	return -1
}

// Get returns the channel for id, if one exists.
func (t *ChannelTable) Get(id ident.ID) (*Channel, bool) {
	i := t.find(id)
	if i < 0 {
		return nil, false
	}
	return &t.slots[i].channel, true
}

// Announce creates or updates the channel id with ticket, recording
// producerRef as its producer. Returns ErrNoCapacity if a new channel
// cannot find a free slot.
func (t *ChannelTable) Announce(id ident.ID, ticket Ticket, producerRef ref) (*Channel, error) {
	if i := t.find(id); i >= 0 {
		t.slots[i].channel.ticket = ticket
		t.slots[i].channel.producer = producerRef
		t.slots[i].channel.announceCount++
		return &t.slots[i].channel, nil
	}
	for i := range t.slots {
		if !t.slots[i].occupied {
			t.slots[i] = channelSlot{occupied: true, channel: Channel{
				id: id, ticket: ticket, producer: producerRef, announceCount: 1,
			}}
			t.count++
			return &t.slots[i].channel, nil
		}
	}
	return nil, ErrNoCapacity
}

// ForEach calls fn for every active channel, in table order.
func (t *ChannelTable) ForEach(fn func(*Channel)) {
	for i := range t.slots {
		if t.slots[i].occupied {
			fn(&t.slots[i].channel)
		}
	}
}

func (t *ChannelTable) scrubClient(clientIndex int) {
	for i := range t.slots {
		if t.slots[i].occupied && t.slots[i].channel.producer.index == clientIndex {
			t.slots[i].channel.producer = noRef
		}
	}
}
