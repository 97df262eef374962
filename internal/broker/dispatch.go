package broker

import (
	"time"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/syncclock"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// handlePacket is the opcode dispatch table's entry point (spec.md §4.4).
// It always runs on the dispatcher goroutine.
func (s *Server) handlePacket(conn Conn, pkt wire.Packet) {
	slot, clientRef, known := s.clients.Lookup(conn)

	if !known {
		// Only reachable for UDP: a TCP slot is always registered at
		// accept time (see serveTCPConn).
		if pkt.Header.Type.Opcode != wire.OpClientID {
			s.replyStatus(conn, pkt.Header.ID, wire.StatusUnknownClient)
			return
		}
		var err error
		slot, clientRef, err = s.clients.Add(conn, conn.RemoteAddr())
		if err != nil {
			s.logger.Warn().Err(err).Msg("client table full, dropping udp client")
			return
		}
	}

	slot.rxPackets++

	switch pkt.Header.Type.Opcode {
	case wire.OpClientID:
		s.handleClientID(conn, slot, pkt)
	case wire.OpDefine:
		s.handleDefine(conn, pkt)
	case wire.OpUndefine:
		s.handleUndefine(pkt)
	case wire.OpWrite:
		s.handleWrite(conn, clientRef, pkt)
	case wire.OpRead:
		s.handleRead(conn, pkt)
	case wire.OpSubscribe:
		s.handleSubscribe(conn, clientRef, slot, pkt)
	case wire.OpUnsubscribe:
		s.handleUnsubscribe(clientRef, pkt)
	case wire.OpChannel:
		s.handleChannel(conn, clientRef, pkt)
	case wire.OpEventList:
		s.handleEnumerate(conn, enumEvents, pkt)
	case wire.OpClientList:
		s.handleEnumerate(conn, enumClients, pkt)
	case wire.OpChannelList:
		s.handleEnumerate(conn, enumChannels, pkt)
	default:
		s.logger.Debug().Uint8("opcode", uint8(pkt.Header.Type.Opcode)).Msg("unhandled opcode")
	}
}

func (s *Server) replyStatus(conn Conn, id ident.ID, status wire.Status) {
	conn.Send(wire.Packet{Header: wire.Header{
		Type:          wire.Type{Opcode: wire.OpServerStatus},
		ID:            id,
		UpdateCounter: uint64(status),
	}})
}

// handleClientID stores the client's declared identifier and protocol
// version. A major-version mismatch is fatal for the connection: the
// broker replies NOTSUPPORT and closes the socket.
func (s *Server) handleClientID(conn Conn, slot *ClientSlot, pkt wire.Packet) {
	major := pkt.Header.SyncA
	minor := pkt.Header.SyncB
	if major != wire.VersionMajor {
		s.replyStatus(conn, pkt.Header.ID, wire.StatusNotSupport)
		conn.Close()
		return
	}
	slot.id = pkt.Header.ID
	slot.versionMajor = major
	slot.versionMinor = minor
	slot.identified = true
	s.replyStatus(conn, pkt.Header.ID, wire.StatusNotFound)
}

// handleDefine creates an event if absent, or (with FORCE) resets an
// existing one. An optional seed value travels in the payload.
func (s *Server) handleDefine(conn Conn, pkt wire.Packet) {
	force := pkt.Header.Type.Has(wire.FlagForce)
	ev, err := s.events.Define(pkt.Header.ID, pkt.Header.Type.VarType, force)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", pkt.Header.ID.String()).Msg("define failed")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsDefined.Set(float64(s.events.Len()))
	}
	if len(pkt.Payload) > 0 {
		s.storeValue(ev, pkt.Payload)
	}
	_ = conn
}

func (s *Server) handleUndefine(pkt wire.Packet) {
	s.events.Undefine(pkt.Header.ID)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsDefined.Set(float64(s.events.Len()))
	}
}

func (s *Server) storeValue(ev *Event, payload []byte) {
	if len(payload) > MaxEventValue {
		payload = payload[:MaxEventValue]
	}
	ev.value = append(ev.value[:0], payload...)
	ev.writeCount++
	s.updateCounter++
	ev.updateCounter = s.updateCounter
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.UpdateCounter.Set(float64(s.updateCounter))
	}
}

// handleWrite stores a new value and fans it out to every subscriber
// (spec.md §4.4's WRITE row and "write fan-out" paragraph).
func (s *Server) handleWrite(conn Conn, writer ref, pkt wire.Packet) {
	ev, ok := s.events.Get(pkt.Header.ID)
	force := pkt.Header.Type.Has(wire.FlagForce)
	if !ok {
		if !force {
			s.logger.Debug().Str("id", pkt.Header.ID.String()).Msg("write to undefined event")
			return
		}
		var err error
		ev, err = s.events.Define(pkt.Header.ID, pkt.Header.Type.VarType, false)
		if err != nil {
			s.logger.Warn().Err(err).Msg("write: define-on-force failed")
			return
		}
	}
	if !typeCompatible(ev.varType, pkt.Header.Type.VarType) {
		s.logger.Debug().Str("id", pkt.Header.ID.String()).Msg("write type mismatch")
		return
	}
	if len(pkt.Payload) > MaxEventValue {
		s.logger.Debug().Str("id", pkt.Header.ID.String()).Msg("write payload too large")
		return
	}

	s.storeValue(ev, pkt.Payload)
	ev.producer = writer
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WritesTotal.Inc()
	}

	var deadline syncclock.Deadline
	if pkt.Header.Type.Has(wire.FlagSync) {
		deadline = syncclock.From(time.Now().Add(s.cfg.SyncOffset))
	}

	echo := pkt.Header.Type.Has(wire.FlagEcho)
	for _, subRef := range ev.subscribers {
		if !echo && subRef == writer {
			continue
		}
		subSlot, ok := s.clients.ByRef(subRef)
		if !ok {
			continue
		}
		evt := wire.Packet{
			Header: wire.Header{
				Type:          wire.Type{Opcode: wire.OpEvent, VarType: ev.varType},
				ID:            ev.id,
				SyncA:         deadline.Sec,
				SyncB:         deadline.Nsec,
				UpdateCounter: ev.updateCounter,
			},
			Payload: ev.value,
		}
		if err := subSlot.conn.Send(evt); err != nil {
			subSlot.txErrors++
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.FanoutTxErrors.Inc()
			}
			continue
		}
		subSlot.txPackets++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.FanoutTotal.Inc()
		}
	}
	_ = conn
}

// typeCompatible reports whether a message's declared type is acceptable
// against an event's declared type: exact match, or either side is
// VarAny. spec.md §4.4/§7 state the ANY exception applies to both
// SUBSCRIBE and WRITE; SPEC_FULL.md records this as the resolved reading
// of an ambiguity between spec.md's normative text and the original
// implementation (which only special-cased ANY on SUBSCRIBE).
func typeCompatible(declared, offered wire.VarType) bool {
	return declared == offered || declared == wire.VarAny || offered == wire.VarAny
}

// handleRead replies with the event's current value, or a VAR_NOT_DEFINED
// zero-size EVENT if the identifier has never been defined.
func (s *Server) handleRead(conn Conn, pkt wire.Packet) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ReadsTotal.Inc()
	}
	ev, ok := s.events.Get(pkt.Header.ID)
	if !ok {
		conn.Send(wire.Packet{Header: wire.Header{
			Type: wire.Type{Opcode: wire.OpEvent, VarType: wire.VarNotDefined},
			ID:   pkt.Header.ID,
		}})
		return
	}
	conn.Send(wire.Packet{
		Header: wire.Header{
			Type:          wire.Type{Opcode: wire.OpEvent, VarType: ev.varType},
			ID:            ev.id,
			UpdateCounter: ev.updateCounter,
		},
		Payload: ev.value,
	})
}

// handleSubscribe adds clientRef to the event's subscriber set if the
// declared type is compatible and there's room, then immediately
// redelivers the current value if the client's last-seen counter is
// stale. The redelivery is a plain EVENT with no LOST marker.
func (s *Server) handleSubscribe(conn Conn, clientRef ref, slot *ClientSlot, pkt wire.Packet) {
	ev, ok := s.events.Get(pkt.Header.ID)
	if !ok {
		return
	}
	if !typeCompatible(ev.varType, pkt.Header.Type.VarType) {
		s.logger.Debug().Str("id", pkt.Header.ID.String()).Msg("subscribe type mismatch")
		return
	}
	already := false
	for _, r := range ev.subscribers {
		if r == clientRef {
			already = true
			break
		}
	}
	if !already {
		if len(ev.subscribers) >= s.cfg.MaxSubscribers {
			s.logger.Warn().Str("id", pkt.Header.ID.String()).Msg("subscriber set full")
			return
		}
		ev.subscribers = append(ev.subscribers, clientRef)
		slot.subscriptionCount++
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SubscribeTotal.Inc()
		}
	}

	lastSeen := pkt.Header.UpdateCounter
	if lastSeen < ev.updateCounter {
		evt := wire.Packet{
			Header: wire.Header{
				Type:          wire.Type{Opcode: wire.OpEvent, VarType: ev.varType, Flags: 0},
				ID:            ev.id,
				UpdateCounter: ev.updateCounter,
			},
			Payload: ev.value,
		}
		// The catch-up EVENT carries no LOST marker: its flags are zero
		// and the status byte exists only on SERVER_STATUS packets. The
		// client runtime cannot tell it from a WRITE fan-out and hands
		// it to the subscription's callback like any other EVENT.
		conn.Send(evt)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.LostRedelivered.Inc()
		}
	}
}

func (s *Server) handleUnsubscribe(clientRef ref, pkt wire.Packet) {
	ev, ok := s.events.Get(pkt.Header.ID)
	if !ok {
		return
	}
	out := ev.subscribers[:0]
	for _, r := range ev.subscribers {
		if r != clientRef {
			out = append(out, r)
		}
	}
	ev.subscribers = out
}

// handleChannel dispatches the three CHANNEL subtypes packed into the
// type word's channel-subtype bits (spec.md §6).
func (s *Server) handleChannel(conn Conn, clientRef ref, pkt wire.Packet) {
	switch pkt.Header.Type.ChanSub {
	case wire.ChanAnons:
		s.handleChannelAnnounce(conn, clientRef, pkt)
	case wire.ChanRequest:
		s.handleChannelRequest(conn, pkt)
	default:
		s.logger.Debug().Msg("unexpected channel subtype on inbound packet")
	}
}

func (s *Server) handleChannelAnnounce(conn Conn, clientRef ref, pkt wire.Packet) {
	ticket := decodeTicket(pkt.Payload)
	// The broker rewrites the ticket's IP to the producer's observed
	// source address before storage (spec.md §3).
	if host, ok := udpOrTCPHost(conn.RemoteAddr()); ok {
		ticket.IP = host
	}
	if _, err := s.channels.Announce(pkt.Header.ID, ticket, clientRef); err != nil {
		s.logger.Warn().Err(err).Msg("channel announce failed")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ChannelsActive.Set(float64(s.channels.Len()))
	}
}

func (s *Server) handleChannelRequest(conn Conn, pkt wire.Packet) {
	ch, ok := s.channels.Get(pkt.Header.ID)
	if !ok {
		return
	}
	ch.requestCount++
	conn.Send(wire.Packet{
		Header: wire.Header{
			Type: wire.Type{Opcode: wire.OpChannel, ChanSub: wire.ChanTicket},
			ID:   ch.id,
		},
		Payload: encodeTicket(ch.ticket),
	})
}
