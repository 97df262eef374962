package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/adred-codev/syncscribe/internal/ident"
)

// Header is the decoded, in-memory form of a packet header. Sync carries two
// meanings depending on opcode: a (seconds, nanoseconds) deadline for
// sync-flagged events, or a (major, minor) version pair on the CLIENT_ID
// handshake. UpdateCounter is similarly overloaded: monotone write sequence
// on WRITE/EVENT, last-seen counter on SUBSCRIBE, status code on
// SERVER_STATUS.
type Header struct {
	CRC           uint32
	Type          Type
	ID            ident.ID
	SyncA         uint32
	SyncB         uint32
	UpdateCounter uint64
	DataSize      uint16 // low 12 bits length, high 4 bits crypto padding
	PayloadLen    int
	Padding       int
}

// PayloadLenOf extracts the payload length from a raw data_size field.
func PayloadLenOf(dataSize uint16) int {
	return int(dataSize & MaxPayload)
}

// PaddingOf extracts the crypto padding nibble from a raw data_size field.
func PaddingOf(dataSize uint16) int {
	return int(dataSize >> 12)
}

// packDataSize combines a payload length and padding count into the wire
// data_size field.
func packDataSize(payloadLen, padding int) uint16 {
	return uint16(payloadLen&MaxPayload) | uint16(padding&0xF)<<12
}

// Encode serializes h into a HeaderSize-byte buffer, little-endian, in the
// exact field order given by the wire format: magic0, crc, type, id, sync,
// update_counter, data_size, magic1.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	off := 0
	buf[off] = Magic0
	off++
	binary.LittleEndian.PutUint32(buf[off:], h.CRC)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Type.Encode())
	off += 4
	idBytes := h.ID.Bytes()
	copy(buf[off:], idBytes[:])
	off += ident.Size
	binary.LittleEndian.PutUint32(buf[off:], h.SyncA)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.SyncB)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], h.UpdateCounter)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], packDataSize(h.PayloadLen, h.Padding))
	off += 2
	buf[off] = Magic1
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header. The caller is
// responsible for having already validated magic0/magic1 via the framer;
// DecodeHeader re-checks them and returns an error if either is wrong, so it
// is also safe to call standalone (e.g. from tests).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header, got %d bytes want %d", len(buf), HeaderSize)
	}
	if buf[0] != Magic0 {
		return Header{}, fmt.Errorf("wire: bad magic0 0x%02x", buf[0])
	}
	if buf[HeaderSize-1] != Magic1 {
		return Header{}, fmt.Errorf("wire: bad magic1 0x%02x", buf[HeaderSize-1])
	}
	var h Header
	off := 1
	h.CRC = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Type = DecodeType(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	h.ID = ident.FromBytes(buf[off : off+ident.Size])
	off += ident.Size
	h.SyncA = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.SyncB = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.UpdateCounter = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	dataSize := binary.LittleEndian.Uint16(buf[off:])
	h.DataSize = dataSize
	h.PayloadLen = PayloadLenOf(dataSize)
	h.Padding = PaddingOf(dataSize)
	return h, nil
}

// CRCHeaderSize is the number of header bytes, starting at the type field,
// that the crypto envelope's CRC covers ahead of the payload: type(4) +
// id(32) + sync(8) + update_counter(8) = 52 bytes. data_size is deliberately
// excluded: its final wire value isn't fixed until after encryption (it ends
// up encoding the ciphertext length) and it is never itself encrypted, so it
// cannot be part of a checksum computed over the pre-encryption plaintext.
const CRCHeaderSize = 4 + ident.Size + 4 + 4 + 8

// crc32IEEE computes the standard CRC-32 (IEEE 802.3) checksum, matching the
// original implementation's hand-rolled bit-at-a-time CRC32 byte for byte.
func crc32IEEE(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
