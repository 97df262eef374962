package client

import (
	"context"
	"encoding/binary"

	"github.com/adred-codev/syncscribe/internal/ident"
	"github.com/adred-codev/syncscribe/internal/wire"
)

// Record wire sizes, mirroring internal/broker's encodeRecords layout
// exactly (id, then per-kind fields). Client and broker don't share a
// package for this because the record shape is a wire-format detail each
// side encodes/decodes independently, the same way the header and ticket
// codecs are each implemented on both sides of the connection.
const (
	eventRecordSize   = ident.Size + 4 + 2 + 8
	clientRecordSize  = ident.Size + 4 + 4 + 4
	channelRecordSize = ident.Size + 8 + 8 + 8
)

// EventRecord is one row of a ListEvents response.
type EventRecord struct {
	ID            ident.ID
	VarType       wire.VarType
	ValueLen      uint16
	UpdateCounter uint64
}

// ClientRecord is one row of a ListClients response.
type ClientRecord struct {
	ID                ident.ID
	VersionMajor      uint32
	VersionMinor      uint32
	SubscriptionCount uint32
}

// ChannelRecord is one row of a ListChannels response.
type ChannelRecord struct {
	ID            ident.ID
	IP            [4]byte
	Port          uint16
	Flags         uint16
	AnnounceCount uint64
	RequestCount  uint64
}

func decodeEventRecord(b []byte) EventRecord {
	var r EventRecord
	r.ID = ident.FromBytes(b[:ident.Size])
	off := ident.Size
	r.VarType = wire.VarType(binary.LittleEndian.Uint32(b[off:]))
	off += 4
	r.ValueLen = binary.LittleEndian.Uint16(b[off:])
	off += 2
	r.UpdateCounter = binary.LittleEndian.Uint64(b[off:])
	return r
}

func decodeClientRecord(b []byte) ClientRecord {
	var r ClientRecord
	r.ID = ident.FromBytes(b[:ident.Size])
	off := ident.Size
	r.VersionMajor = binary.LittleEndian.Uint32(b[off:])
	off += 4
	r.VersionMinor = binary.LittleEndian.Uint32(b[off:])
	off += 4
	r.SubscriptionCount = binary.LittleEndian.Uint32(b[off:])
	return r
}

func decodeChannelRecord(b []byte) ChannelRecord {
	var r ChannelRecord
	r.ID = ident.FromBytes(b[:ident.Size])
	off := ident.Size
	copy(r.IP[:], b[off:off+4])
	off += 4
	r.Port = binary.LittleEndian.Uint16(b[off:])
	off += 2
	r.Flags = binary.LittleEndian.Uint16(b[off:])
	off += 2
	r.AnnounceCount = binary.LittleEndian.Uint64(b[off:])
	off += 8
	r.RequestCount = binary.LittleEndian.Uint64(b[off:])
	return r
}

// nextSeq returns the rolling 1-byte sequence number the client stamps
// into an enumeration request's control id, wrapping at 256 (spec.md §9
// notes the wire format doesn't specify a collision-recovery policy for
// rapid re-requests; c.enumSeq wrapping is the same bound the wire field
// has, not an attempt to avoid collisions beyond it).
func (c *Client) nextSeq() byte {
	return byte(c.enumSeq.Add(1))
}

func enumRequestID(seq byte) ident.ID {
	return ident.Empty.WithByte(3, seq)
}

// ListEvents requests the full EVENT_LIST enumeration and blocks until the
// broker's final (end=1) packet arrives or ctx is done.
func (c *Client) ListEvents(ctx context.Context) ([]EventRecord, error) {
	recs, err := c.enumerate(ctx, &c.eventsEnum, wire.OpEventList, eventRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]EventRecord, len(recs))
	for i, r := range recs {
		out[i] = decodeEventRecord(r)
	}
	return out, nil
}

// ListClients requests the full CLIENT_LIST enumeration.
func (c *Client) ListClients(ctx context.Context) ([]ClientRecord, error) {
	recs, err := c.enumerate(ctx, &c.clientsEnum, wire.OpClientList, clientRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]ClientRecord, len(recs))
	for i, r := range recs {
		out[i] = decodeClientRecord(r)
	}
	return out, nil
}

// ListChannels requests the full CHANNEL_LIST enumeration.
func (c *Client) ListChannels(ctx context.Context) ([]ChannelRecord, error) {
	recs, err := c.enumerate(ctx, &c.channelsEnum, wire.OpChannelList, channelRecordSize)
	if err != nil {
		return nil, err
	}
	out := make([]ChannelRecord, len(recs))
	for i, r := range recs {
		out[i] = decodeChannelRecord(r)
	}
	return out, nil
}

func (c *Client) enumerate(ctx context.Context, w *enumWaiter, opcode wire.Opcode, recSize int) ([][]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	seq := c.nextSeq()
	call, err := w.begin(seq, recSize)
	if err != nil {
		return nil, err
	}
	defer w.end(call)

	req := wire.Packet{Header: wire.Header{Type: wire.Type{Opcode: opcode}, ID: enumRequestID(seq)}}
	if err := c.sendPacket(req); err != nil {
		return nil, err
	}

	select {
	case <-call.done:
		return call.records, nil
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}
