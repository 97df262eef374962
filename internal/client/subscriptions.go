package client

import (
	"sync"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Callback is invoked by the dispatcher goroutine whenever a subscribed
// event's value changes. It must not block for long: it runs inline on
// the single receive worker (spec.md §4.5).
type Callback func(id ident.ID, value []byte)

// subscription is one slot in the client's subscription registry
// (spec.md §4.5): an identifier, its user callback, and an optional
// mirror buffer the application can poll instead of (or alongside) the
// callback. The mirror is guarded by its own mutex because the dispatcher
// writes it while an application goroutine may read it concurrently.
type subscription struct {
	id       ident.ID
	varType  wire.VarType
	callback Callback

	mu              sync.Mutex
	mirror          []byte
	hasMirror       bool
	lastSeenCounter uint64
}

func (s *subscription) setMirror(value []byte, counter uint64) {
	s.mu.Lock()
	s.mirror = append(s.mirror[:0], value...)
	s.hasMirror = true
	s.lastSeenCounter = counter
	s.mu.Unlock()
}

// Mirror returns a copy of the subscription's last-delivered value and
// whether one has ever arrived.
func (s *subscription) Mirror() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMirror {
		return nil, false
	}
	out := make([]byte, len(s.mirror))
	copy(out, s.mirror)
	return out, true
}

func (s *subscription) lastSeen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenCounter
}

// subscriptionRegistry holds every subscription the application has
// registered on this connection, independent of whether the underlying
// socket is currently up. On reconnect, every entry is resurrected: the
// client re-sends SUBSCRIBE for each one with its last-seen counter, so
// the broker can catch it up with a single LOST redelivery if it missed
// writes while disconnected.
type subscriptionRegistry struct {
	mu    sync.RWMutex
	byID  map[ident.ID]*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byID: make(map[ident.ID]*subscription)}
}

// add registers (or replaces) the subscription for id.
func (r *subscriptionRegistry) add(id ident.ID, varType wire.VarType, cb Callback) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &subscription{id: id, varType: varType, callback: cb}
	r.byID[id] = s
	return s
}

func (r *subscriptionRegistry) remove(id ident.ID) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *subscriptionRegistry) get(id ident.ID) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// forEach calls fn for every registered subscription, used to resurrect
// the full set after a reconnect.
func (r *subscriptionRegistry) forEach(fn func(*subscription)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byID {
		fn(s)
	}
}

// channelRegistry tracks channels this client has announced as a
// producer, so a reconnect can resend ANONS for each one (the same
// resurrection discipline as subscriptions).
type channelRegistry struct {
	mu   sync.RWMutex
	byID map[ident.ID]announcedChannel
}

type announcedChannel struct {
	ip    [4]byte
	port  uint16
	flags uint16
}

func newChannelRegistry() *channelRegistry {
	return &channelRegistry{byID: make(map[ident.ID]announcedChannel)}
}

func (r *channelRegistry) add(id ident.ID, c announcedChannel) {
	r.mu.Lock()
	r.byID[id] = c
	r.mu.Unlock()
}

func (r *channelRegistry) forEach(fn func(ident.ID, announcedChannel)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.byID {
		fn(id, c)
	}
}
