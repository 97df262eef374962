package client

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Typed write/read/subscribe helpers (spec.md §4.6, C6): thin wrappers
// over the generic opcodes that fold the correct VarType tag into the
// packet's type word and, for writes, supply the canonical byte width for
// each declared type.

// EncodeInt32 renders v as the 4-byte little-endian payload a VarInt32
// WRITE/DEFINE carries.
func EncodeInt32(v int32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// EncodeInt64 renders v as the 8-byte little-endian payload a VarInt64
// WRITE/DEFINE carries.
func EncodeInt64(v int64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	return buf
}

// EncodeFloat renders v as the 4-byte little-endian payload a VarFloat
// WRITE/DEFINE carries.
func EncodeFloat(v float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	return buf
}

// EncodeDouble renders v as the 8-byte little-endian payload a VarDouble
// WRITE/DEFINE carries.
func EncodeDouble(v float64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, math.Float64bits(v))
	return buf
}

// EncodeString renders s as a NUL-terminated payload, length strlen+1, the
// canonical VarString wire width (spec.md §6).
func EncodeString(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}

// DecodeInt32 parses a VarInt32 payload.
func DecodeInt32(b []byte) int32 {
	if len(b) < 4 {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

// DecodeInt64 parses a VarInt64 payload.
func DecodeInt64(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

// DecodeFloat parses a VarFloat payload.
func DecodeFloat(b []byte) float32 {
	if len(b) < 4 {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// DecodeDouble parses a VarDouble payload.
func DecodeDouble(b []byte) float64 {
	if len(b) < 8 {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// DecodeString parses a VarString payload, stopping at the first NUL.
func DecodeString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// WriteOpts carries the optional attribute flags a WRITE can set.
type WriteOpts struct {
	Sync  bool // stamp a sync-delivery deadline
	Echo  bool // also deliver to this writer if it is itself subscribed
	Force bool // define-on-write if the event doesn't exist yet
}

// Write sends a WRITE for id with the given declared type and payload.
func (c *Client) Write(id string, varType wire.VarType, payload []byte, opts WriteOpts) error {
	var flags wire.Flag
	if opts.Sync {
		flags |= wire.FlagSync
	}
	if opts.Echo {
		flags |= wire.FlagEcho
	}
	if opts.Force {
		flags |= wire.FlagForce
	}
	return c.sendPacket(wire.Packet{
		Header:  wire.Header{Type: wire.Type{Opcode: wire.OpWrite, VarType: varType, Flags: flags}, ID: ident.FromString(id)},
		Payload: payload,
	})
}

// Define sends a DEFINE for id with an optional seed value. force permits
// redefining an identifier that already exists.
func (c *Client) Define(id string, varType wire.VarType, seed []byte, force bool) error {
	var flags wire.Flag
	if force {
		flags |= wire.FlagForce
	}
	return c.sendPacket(wire.Packet{
		Header:  wire.Header{Type: wire.Type{Opcode: wire.OpDefine, VarType: varType, Flags: flags}, ID: ident.FromString(id)},
		Payload: seed,
	})
}

// Undefine sends an UNDEFINE for id.
func (c *Client) Undefine(id string) error {
	return c.sendPacket(wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpUndefine}, ID: ident.FromString(id)}})
}

// Read issues a synchronous READ for id and waits for the broker's EVENT
// reply, returning its payload and declared type. Returns ErrTimeout if
// ctx is done first.
func (c *Client) Read(ctx context.Context, id string) (varType wire.VarType, payload []byte, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	idVal := ident.FromString(id)
	call, err := c.readWaiter.begin(idVal)
	if err != nil {
		return 0, nil, err
	}
	defer c.readWaiter.end(call)

	if err := c.sendPacket(wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpRead}, ID: idVal}}); err != nil {
		return 0, nil, err
	}

	select {
	case pkt := <-call.ch:
		return pkt.Header.Type.VarType, pkt.Payload, nil
	case <-ctx.Done():
		return 0, nil, ErrTimeout
	}
}

// Subscribe registers a standing interest in id: the broker adds this
// client to the event's subscriber set, and every future write (or the
// broker's one-shot catch-up EVENT when this client's last-seen counter is
// behind) calls cb inline on the receive loop. A new subscription starts at
// counter 0, so subscribing to an event that already holds a value also
// delivers that value once right away. The subscription survives
// reconnects via resurrection.
func (c *Client) Subscribe(id string, varType wire.VarType, cb Callback) error {
	idVal := ident.FromString(id)
	c.subs.add(idVal, varType, cb)
	return c.sendPacket(wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpSubscribe, VarType: varType}, ID: idVal}})
}

// Unsubscribe removes the standing interest in id, both locally and on
// the broker.
func (c *Client) Unsubscribe(id string) error {
	idVal := ident.FromString(id)
	c.subs.remove(idVal)
	return c.sendPacket(wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpUnsubscribe}, ID: idVal}})
}

// WaitEvent drains the single-shot latest-ready mirror slot, returning the
// identifier and value of the most recently delivered subscribed event.
// Only one waiter per connection is supported (spec.md §4.6).
func (c *Client) WaitEvent(ctx context.Context) (id string, value []byte, err error) {
	select {
	case ev := <-c.latestReady:
		return ev.id.String(), ev.value, nil
	case <-ctx.Done():
		return "", nil, ErrTimeout
	}
}

// AnnounceChannel publishes a rendezvous ticket under id: ip/port/flags
// the broker stores (rewriting ip to this client's observed source
// address) for a peer to later fetch with RequestChannel. The channel is
// remembered locally so a reconnect re-announces it.
func (c *Client) AnnounceChannel(id string, port uint16, flags uint16) error {
	idVal := ident.FromString(id)
	ch := announcedChannel{port: port, flags: flags}
	c.channels.add(idVal, ch)
	return c.sendPacket(wire.Packet{
		Header:  wire.Header{Type: wire.Type{Opcode: wire.OpChannel, ChanSub: wire.ChanAnons}, ID: idVal},
		Payload: encodeTicket(ch),
	})
}

// RequestChannel fetches the rendezvous ticket stored under id, blocking
// until the broker replies or ctx is done.
func (c *Client) RequestChannel(ctx context.Context, id string) (ip [4]byte, port uint16, flags uint16, err error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	idVal := ident.FromString(id)
	call, err := c.ticketWaiter.begin(idVal)
	if err != nil {
		return ip, 0, 0, err
	}
	defer c.ticketWaiter.end(call)

	req := wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: wire.OpChannel, ChanSub: wire.ChanRequest}, ID: idVal}}
	if err := c.sendPacket(req); err != nil {
		return ip, 0, 0, err
	}

	select {
	case pkt := <-call.ch:
		if len(pkt.Payload) < 8 {
			return ip, 0, 0, ErrTimeout
		}
		copy(ip[:], pkt.Payload[0:4])
		port = uint16(pkt.Payload[4]) | uint16(pkt.Payload[5])<<8
		flags = uint16(pkt.Payload[6]) | uint16(pkt.Payload[7])<<8
		return ip, port, flags, nil
	case <-ctx.Done():
		return ip, 0, 0, ErrTimeout
	}
}
