package broker

import (
	"encoding/binary"
	"net"
)

// ticketSize is the wire width of a Ticket payload: 4-byte IPv4 + 2-byte
// port + 2-byte flags.
const ticketSize = 4 + 2 + 2

// encodeTicket serializes a Ticket the same way a CHANNEL/ANONS or
// CHANNEL/TICKET packet's payload carries it.
func encodeTicket(t Ticket) []byte {
	buf := make([]byte, ticketSize)
	copy(buf[0:4], t.IP[:])
	binary.LittleEndian.PutUint16(buf[4:6], t.Port)
	binary.LittleEndian.PutUint16(buf[6:8], t.Flags)
	return buf
}

// decodeTicket parses a CHANNEL payload into a Ticket. Short or malformed
// payloads decode to a zero Ticket rather than erroring, since the broker
// always overwrites the IP field with the observed source address anyway.
func decodeTicket(payload []byte) Ticket {
	var t Ticket
	if len(payload) < ticketSize {
		return t
	}
	copy(t.IP[:], payload[0:4])
	t.Port = binary.LittleEndian.Uint16(payload[4:6])
	t.Flags = binary.LittleEndian.Uint16(payload[6:8])
	return t
}

// udpOrTCPHost extracts the 4-byte IPv4 representation of an address, for
// rewriting a channel ticket to the producer's actual observed source.
func udpOrTCPHost(addr net.Addr) ([4]byte, bool) {
	var out [4]byte
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return out, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return out, false
	}
	copy(out[:], v4)
	return out, true
}
