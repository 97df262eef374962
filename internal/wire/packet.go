package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/adred-codev/syncscribe/internal/ident"
)

// Packet is a decoded header paired with its payload.
type Packet struct {
	Header  Header
	Payload []byte
}

// Sealer encrypts the crypto-envelope plaintext block for a packet about to
// go on the wire. Implemented by internal/xcrypto; kept as an interface here
// so internal/wire never imports a crypto package.
type Sealer interface {
	Seal(plaintext []byte) (ciphertext []byte, err error)
	BlockSize() int
}

// Opener decrypts a crypto-envelope ciphertext block back into the original
// plaintext. padding is the count already carried in data_size's high
// nibble.
type Opener interface {
	Open(ciphertext []byte, padding int) (plaintext []byte, err error)
}

// crcPlaintext builds the byte span the CRC covers and the crypto envelope
// encrypts: type(4) || id(32) || sync(8) || update_counter(8) || payload(n).
func crcPlaintext(h Header, payload []byte) []byte {
	buf := make([]byte, CRCHeaderSize+len(payload))
	off := 0
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
	copy(buf[off:], payload)
	return buf
}

// EncodePlain serializes a packet with no crypto envelope. CRC is left zero;
// per spec the field is only meaningful when the crypto envelope is active.
func EncodePlain(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload too large: %d bytes, max %d", len(p.Payload), MaxPayload)
	}
	h := p.Header
	h.CRC = 0
	h.PayloadLen = len(p.Payload)
	h.Padding = 0
	hdr := h.Encode()
	out := make([]byte, 0, HeaderSize+len(p.Payload))
	out = append(out, hdr[:]...)
	out = append(out, p.Payload...)
	return out, nil
}

// EncodeCrypt serializes a packet through the crypto envelope: the CRC is
// computed over the plaintext span, the plaintext block
// crc||type||id||sync||update_counter||payload is sealed by s, and the
// cleartext data_size field is rewritten to describe the ciphertext that
// actually follows the header on the wire (magic0, the header's other
// cleartext fields, and magic1 are never encrypted).
func EncodeCrypt(p Packet, s Sealer) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload too large: %d bytes, max %d", len(p.Payload), MaxPayload)
	}
	h := p.Header
	h.Type.Flags |= FlagCrypt

	plain := crcPlaintext(h, p.Payload)
	crc := crc32IEEE(plain)
	h.CRC = crc

	block := make([]byte, 4+len(plain))
	binary.LittleEndian.PutUint32(block, crc)
	copy(block[4:], plain)

	ciphertext, err := s.Seal(block)
	if err != nil {
		return nil, fmt.Errorf("wire: seal: %w", err)
	}
	padding := len(ciphertext) - len(block)
	if padding < 0 || padding >= s.BlockSize() {
		return nil, fmt.Errorf("wire: sealer returned implausible padding %d", padding)
	}
	if len(ciphertext) > MaxPayload {
		return nil, fmt.Errorf("wire: ciphertext too large: %d bytes, max %d", len(ciphertext), MaxPayload)
	}

	h.PayloadLen = len(ciphertext)
	h.Padding = padding
	hdr := h.Encode()
	out := make([]byte, 0, HeaderSize+len(ciphertext))
	out = append(out, hdr[:]...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decode parses a full packet (header already framed by Framer) and, if the
// CRYPT flag is set, opens the envelope via o. o may be nil when the caller
// knows crypto is disabled for this connection; a CRYPT-flagged packet
// arriving with o == nil is an error.
func Decode(buf []byte, o Opener) (Packet, error) {
	h, err := DecodeHeader(buf[:HeaderSize])
	if err != nil {
		return Packet{}, err
	}
	body := buf[HeaderSize : HeaderSize+h.PayloadLen]

	if !h.Type.Has(FlagCrypt) {
		return Packet{Header: h, Payload: append([]byte(nil), body...)}, nil
	}
	if o == nil {
		return Packet{}, fmt.Errorf("wire: crypt flag set but no decryption key configured")
	}
	plain, err := o.Open(body, h.Padding)
	if err != nil {
		return Packet{}, fmt.Errorf("wire: open: %w", err)
	}
	if len(plain) < 4+CRCHeaderSize {
		return Packet{}, fmt.Errorf("wire: decrypted block too short: %d bytes", len(plain))
	}
	gotCRC := binary.LittleEndian.Uint32(plain)
	payload := append([]byte(nil), plain[4+CRCHeaderSize:]...)

	// The returned header keeps the cleartext type/id/sync/counter; the
	// encrypted copy is only covered by the CRC check below, not compared
	// field by field. EncodeCrypt writes both copies from the same Header.
	wantCRC := crc32IEEE(plain[4:])
	if gotCRC != wantCRC {
		return Packet{}, fmt.Errorf("wire: crc mismatch: got 0x%08x want 0x%08x", gotCRC, wantCRC)
	}
	h.CRC = gotCRC
	return Packet{Header: h, Payload: payload}, nil
}
