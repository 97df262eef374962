package client

import (
	"github.com/adred-codev/syncscribe/internal/syncclock"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// dispatch demultiplexes one inbound packet by opcode (spec.md §4.5,
// "Inbound dispatch"). It runs on the single receive-loop goroutine.
func (c *Client) dispatch(pkt wire.Packet) {
	switch pkt.Header.Type.Opcode {
	case wire.OpEvent:
		c.dispatchEvent(pkt)
	case wire.OpChannel:
		if pkt.Header.Type.ChanSub == wire.ChanTicket {
			c.ticketWaiter.deliver(pkt)
		}
	case wire.OpEventList:
		c.eventsEnum.deliver(pkt)
	case wire.OpClientList:
		c.clientsEnum.deliver(pkt)
	case wire.OpChannelList:
		c.channelsEnum.deliver(pkt)
	case wire.OpServerStatus:
		c.dispatchServerStatus(pkt)
	}
}

// dispatchEvent handles an EVENT packet, which carries either a reply to
// an in-flight READ or a subscription fan-out/LOST-redelivery value. A
// READ reply is claimed first since it is request-scoped; anything left
// over is routed to the matching subscription, if any.
func (c *Client) dispatchEvent(pkt wire.Packet) {
	if c.readWaiter.deliver(pkt) {
		return
	}
	sub, ok := c.subs.get(pkt.Header.ID)
	if !ok {
		return
	}

	deadline := syncclock.Deadline{Sec: pkt.Header.SyncA, Nsec: pkt.Header.SyncB}
	if !deadline.IsZero() {
		syncclock.Wait(deadline)
	}

	sub.setMirror(pkt.Payload, pkt.Header.UpdateCounter)
	select {
	case c.latestReady <- deliveredEvent{id: pkt.Header.ID, value: append([]byte(nil), pkt.Payload...)}:
	default:
		// Single-shot slot already full; WaitEvent callers drain it, the
		// mirror above still has the freshest value regardless.
		select {
		case <-c.latestReady:
		default:
		}
		select {
		case c.latestReady <- deliveredEvent{id: pkt.Header.ID, value: append([]byte(nil), pkt.Payload...)}:
		default:
		}
	}

	if sub.callback != nil {
		sub.callback(pkt.Header.ID, pkt.Payload)
	}
}

// dispatchServerStatus handles SERVER_STATUS: NOTSUPPORT/CRYPT are fatal
// for the connection, UNKNOWNCLIENT triggers a fresh CLIENT_ID + full
// resubscribe, and NOTFOUND (the successful-handshake ack) is benign.
func (c *Client) dispatchServerStatus(pkt wire.Packet) {
	switch wire.Status(pkt.Header.UpdateCounter) {
	case wire.StatusNotSupport, wire.StatusCrypt:
		c.terminal.Store(true)
	case wire.StatusUnknownClient:
		c.handshake()
		c.resurrect()
	case wire.StatusNotFound:
		// Benign: the broker sends NOTFOUND as the successful CLIENT_ID
		// ack. A READ against an undefined identifier comes back as an
		// EVENT with the VAR_NOT_DEFINED payload instead.
	}
}
