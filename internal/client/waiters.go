package client

import (
	"sync"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// callWaiter is the single-outstanding-request machinery spec.md §4.5
// describes for READ and CHANNEL/TICKET: one request class, one in-flight
// request id, one completion channel. A second begin before the first
// completes returns ErrBusy rather than queuing — "concurrent calls of the
// same class by the same connection are not supported" is the explicit
// design constraint, not an oversight.
type callWaiter struct {
	mu     sync.Mutex
	active *pendingCall
}

type pendingCall struct {
	id ident.ID
	ch chan wire.Packet
}

// begin registers a new in-flight request for id, or returns ErrBusy if
// one is already outstanding.
func (w *callWaiter) begin(id ident.ID) (*pendingCall, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		return nil, ErrBusy
	}
	c := &pendingCall{id: id, ch: make(chan wire.Packet, 1)}
	w.active = c
	return c, nil
}

// deliver hands pkt to the active call if its id matches, waking the
// waiter. Returns false if there was no matching in-flight call.
func (w *callWaiter) deliver(pkt wire.Packet) bool {
	w.mu.Lock()
	c := w.active
	w.mu.Unlock()
	if c == nil || !c.id.Equal(pkt.Header.ID) {
		return false
	}
	select {
	case c.ch <- pkt:
	default:
	}
	return true
}

// end clears the in-flight call, called by the caller once it returns
// (whether by success or timeout) so a later begin is not rejected by a
// request that is no longer being waited on.
func (w *callWaiter) end(c *pendingCall) {
	w.mu.Lock()
	if w.active == c {
		w.active = nil
	}
	w.mu.Unlock()
}

// enumWaiter assembles the multi-packet enumeration responses spec.md
// §4.4's "enumeration protocol" describes: strict in-order delivery by a
// rolling sequence byte, dropping any packet whose sequence or index
// doesn't match what's expected.
type enumWaiter struct {
	mu     sync.Mutex
	active *pendingEnum
}

type pendingEnum struct {
	seq       byte
	nextIndex int
	recSize   int
	records   [][]byte
	done      chan struct{}
	closeOnce sync.Once
}

func (p *pendingEnum) finish() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (w *enumWaiter) begin(seq byte, recSize int) (*pendingEnum, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		return nil, ErrBusy
	}
	p := &pendingEnum{seq: seq, recSize: recSize, done: make(chan struct{})}
	w.active = p
	return p, nil
}

// deliver processes one EVENT_LIST/CLIENT_LIST/CHANNEL_LIST packet against
// the active assembler. A packet whose echoed sequence byte or packet
// index doesn't match the expected next one is silently dropped, per
// spec.md §4.4.
func (w *enumWaiter) deliver(pkt wire.Packet) {
	w.mu.Lock()
	p := w.active
	w.mu.Unlock()
	if p == nil {
		return
	}
	idx := pkt.Header.ID.Byte(0)
	count := int(pkt.Header.ID.Byte(2))
	seq := pkt.Header.ID.Byte(3)
	end := pkt.Header.ID.Byte(4)

	if seq != p.seq || int(idx) != p.nextIndex {
		return
	}
	for i := 0; i < count; i++ {
		start := i * p.recSize
		stop := start + p.recSize
		if stop > len(pkt.Payload) {
			break
		}
		rec := make([]byte, p.recSize)
		copy(rec, pkt.Payload[start:stop])
		p.records = append(p.records, rec)
	}
	p.nextIndex++
	if end == 1 {
		p.finish()
	}
}

func (w *enumWaiter) end(p *pendingEnum) {
	w.mu.Lock()
	if w.active == p {
		w.active = nil
	}
	w.mu.Unlock()
}
