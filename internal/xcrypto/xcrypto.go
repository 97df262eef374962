// Package xcrypto implements the optional per-packet AES-256-CBC envelope
// described in spec.md §4.1/§4.8. It satisfies wire.Sealer/wire.Opener so
// internal/wire never needs to import a crypto package directly.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

// KeySize is the size of the raw key bundle distributed out of band: 16
// bytes of IV followed by 16 bytes that seed the cipher key.
const KeySize = 32

// ivSize and the cipher's required key size are fixed by AES-256.
const (
	ivSize     = 16
	cipherKeySize = 32
)

// Codec seals and opens the crypto envelope for one connection. It is built
// once from a 32-byte key bundle and reused for every packet on that
// connection; every packet is encrypted with the same base IV taken from
// the key bundle, with no per-call IV (see Seal).
type Codec struct {
	baseIV    [ivSize]byte
	cipherKey [cipherKeySize]byte
	block     cipher.Block
}

// New derives a Codec from the 32-byte key bundle. The first 16 bytes are
// used directly as the base IV (matching the original layout); the last 16
// bytes are only half of an AES-256 key, so the full 32-byte cipher key is
// derived by hashing that half with SHA-256. This is the "cleaner KDF" the
// spec explicitly allows implementations to choose instead of the
// original's narrower, bit-for-bit-only scheme; it is not wire-compatible
// with deployments that need the original's exact key derivation.
func New(keyBundle [KeySize]byte) (*Codec, error) {
	c := &Codec{}
	copy(c.baseIV[:], keyBundle[:ivSize])
	c.cipherKey = sha256.Sum256(keyBundle[ivSize:])

	block, err := aes.NewCipher(c.cipherKey[:])
	if err != nil {
		return nil, fmt.Errorf("xcrypto: new cipher: %w", err)
	}
	c.block = block
	return c, nil
}

// BlockSize returns the cipher's block size (16 for AES), the unit that
// CBC padding rounds up to.
func (c *Codec) BlockSize() int {
	return c.block.BlockSize()
}

// Seal zero-pads plaintext to a block-size boundary and CBC-encrypts it
// using the connection's derived base IV. This is NOT PKCS#7: the data_size
// field's padding nibble can only hold 0..15 (spec.md §4.1, "padding =
// data_size >> 12"), but PKCS#7 always adds a full extra block when the
// input is already aligned, which the nibble can't represent. Instead the
// pad length rounds up to the next block boundary and is zero when already
// aligned, matching `calculate_aes256_cbc_ciphertext_length` in the
// original's syncs-types.h. Because the padding is zero-filled rather than
// self-describing, Open must be told the exact pad length (it cannot be
// recovered from the trailing bytes alone) — that's carried in the same
// nibble. Unlike a generic CBC helper this also does not prepend a fresh
// random IV per packet: the base IV is reused across every packet on the
// connection, exactly as the key bundle's fixed IV half implies. This is a
// known weakness the original protocol accepts in exchange for not growing
// every packet by a block; operators who need per-packet IV independence
// should run this envelope inside an already-encrypted transport rather
// than relying on it alone.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := zeroPad(plaintext, bs)

	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(c.block, c.baseIV[:])
	mode.CryptBlocks(out, padded)
	return out, nil
}

// Open recovers the plaintext from a ciphertext produced by Seal. padding
// is the nibble carried in the packet's data_size field and is the sole
// source of truth for how many zero-filled pad bytes to strip — the
// padding itself carries no length marker to parse back out. The stripped
// bytes are checked against zero as a cheap tamper/truncation guard; the
// CRC carried alongside the envelope (internal/wire's Decode) is still the
// authoritative integrity check over the payload itself.
func (c *Codec) Open(ciphertext []byte, padding int) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("xcrypto: ciphertext not a multiple of block size: %d bytes", len(ciphertext))
	}
	if padding < 0 || padding >= bs || padding > len(ciphertext) {
		return nil, fmt.Errorf("xcrypto: implausible padding %d", padding)
	}

	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(c.block, c.baseIV[:])
	mode.CryptBlocks(out, ciphertext)

	plainLen := len(out) - padding
	for _, b := range out[plainLen:] {
		if b != 0 {
			return nil, fmt.Errorf("xcrypto: non-zero padding byte, ciphertext likely corrupt")
		}
	}
	return out[:plainLen], nil
}

// zeroPad rounds b up to the next blockSize boundary, adding zero bytes —
// zero of them when b is already aligned, never a full extra block.
func zeroPad(b []byte, blockSize int) []byte {
	padLen := (blockSize - len(b)%blockSize) % blockSize
	out := make([]byte, len(b)+padLen)
	copy(out, b)
	return out
}
