package broker

import (
	"encoding/binary"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// enumKind selects which table an EVENT_LIST/CLIENT_LIST/CHANNEL_LIST
// request enumerates.
type enumKind int

const (
	enumEvents enumKind = iota
	enumClients
	enumChannels
)

func (k enumKind) opcode() wire.Opcode {
	switch k {
	case enumEvents:
		return wire.OpEventList
	case enumClients:
		return wire.OpClientList
	default:
		return wire.OpChannelList
	}
}

func (k enumKind) metricLabel() string {
	switch k {
	case enumEvents:
		return "events"
	case enumClients:
		return "clients"
	default:
		return "channels"
	}
}

// Fixed per-record wire sizes for the three enumerable tables. None of
// these are prescribed by spec.md beyond "records are packed back-to-back
// in the payload"; the layouts below carry exactly the fields each
// table's record exposes in spec.md §3.
const (
	eventRecordSize   = ident.Size + 4 + 2 + 8 // id, vartype, value len, update_counter
	clientRecordSize  = ident.Size + 4 + 4 + 4 // id, version major, version minor, subscription count
	channelRecordSize = ident.Size + ticketSize + 8 + 8
)

func (k enumKind) recordSize() int {
	switch k {
	case enumEvents:
		return eventRecordSize
	case enumClients:
		return clientRecordSize
	default:
		return channelRecordSize
	}
}

// encodeRecords renders every record in the relevant table into fixed-size
// wire records, in table order.
func (s *Server) encodeRecords(kind enumKind) [][]byte {
	var out [][]byte
	switch kind {
	case enumEvents:
		s.events.ForEach(func(e *Event) {
			buf := make([]byte, eventRecordSize)
			idb := e.id.Bytes()
			off := copy(buf, idb[:])
			binary.LittleEndian.PutUint32(buf[off:], uint32(e.varType))
			off += 4
			binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.value)))
			off += 2
			binary.LittleEndian.PutUint64(buf[off:], e.updateCounter)
			out = append(out, buf)
		})
	case enumClients:
		s.clients.ForEach(func(c *ClientSlot) {
			buf := make([]byte, clientRecordSize)
			idb := c.id.Bytes()
			off := copy(buf, idb[:])
			binary.LittleEndian.PutUint32(buf[off:], c.versionMajor)
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], c.versionMinor)
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], uint32(c.subscriptionCount))
			out = append(out, buf)
		})
	case enumChannels:
		s.channels.ForEach(func(c *Channel) {
			buf := make([]byte, channelRecordSize)
			idb := c.id.Bytes()
			off := copy(buf, idb[:])
			off += copy(buf[off:], encodeTicket(c.ticket))
			binary.LittleEndian.PutUint64(buf[off:], c.announceCount)
			off += 8
			binary.LittleEndian.PutUint64(buf[off:], c.requestCount)
			out = append(out, buf)
		})
	}
	return out
}

// handleEnumerate streams the requested table back to conn as 1..N
// packets, packing the 5-byte control tuple into the id field as spec.md
// §4.4 describes: [packet index, total count hint, records in this
// packet, echoed request sequence, end marker].
func (s *Server) handleEnumerate(conn Conn, kind enumKind, pkt wire.Packet) {
	seq := pkt.Header.ID.Byte(3)
	records := s.encodeRecords(kind)
	recSize := kind.recordSize()

	perPacket := s.cfg.EnumRecordsPerPkt
	if max := wire.MaxPayload / recSize; perPacket > max {
		perPacket = max
	}
	if perPacket < 1 {
		perPacket = 1
	}

	total := (len(records) + perPacket - 1) / perPacket
	if total == 0 {
		total = 1 // still send one empty, end=1 packet so the client isn't left waiting
	}
	totalHint := total
	if totalHint > 0xFF {
		totalHint = 0xFF
	}

	for i := 0; i < total; i++ {
		start := i * perPacket
		end := start + perPacket
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		payload := make([]byte, 0, len(chunk)*recSize)
		for _, r := range chunk {
			payload = append(payload, r...)
		}

		end1 := byte(0)
		if i == total-1 {
			end1 = 1
		}
		controlID := ident.Empty.
			WithByte(0, byte(i)).
			WithByte(1, byte(totalHint)).
			WithByte(2, byte(len(chunk))).
			WithByte(3, seq).
			WithByte(4, end1)

		conn.Send(wire.Packet{
			Header: wire.Header{
				Type: wire.Type{Opcode: kind.opcode()},
				ID:   controlID,
			},
			Payload: payload,
		})
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.EnumPacketsServed.WithLabelValues(kind.metricLabel()).Inc()
		}
	}
}
