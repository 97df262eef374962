// Package wire implements the SyncScribe packet format: header layout,
// opcode/flag/type bitfields, CRC, and the byte-stream framer. All multi-byte
// fields are little-endian on the wire; structs are never reinterpret-cast
// onto a buffer, they are serialized field by field.
package wire

// Magic bytes that bracket every packet, used by the framer to resync after
// a corrupt or partial read.
const (
	Magic0 byte = 'S'
	Magic1 byte = 'D'
)

// Protocol version. A client whose major version disagrees with the
// broker's is refused at the handshake; minor may differ freely.
const (
	VersionMajor uint32 = 2
	VersionMinor uint32 = 1
)

// HeaderSize is the packed, unaligned on-wire size of a packet header:
// magic0(1) + crc(4) + type(4) + id(32) + sync(8) + update_counter(8) +
// data_size(2) + magic1(1) = 60 bytes.
const HeaderSize = 1 + 4 + 4 + 32 + 8 + 8 + 2 + 1

// MaxPayload is the largest payload a single packet may carry: data_size's
// low 12 bits, max value 0x0FFF.
const MaxPayload = 0x0FFF

// Opcode is the low 4 bits of the type word.
type Opcode uint8

const (
	OpEmpty        Opcode = 0x0
	OpClientID     Opcode = 0x1
	OpEvent        Opcode = 0x2
	OpWrite        Opcode = 0x3
	OpRead         Opcode = 0x4
	OpSubscribe    Opcode = 0x5
	OpUnsubscribe  Opcode = 0x6
	OpDefine       Opcode = 0x7
	OpUndefine     Opcode = 0x8
	OpEventList    Opcode = 0x9
	OpClientList   Opcode = 0xA
	OpServerStatus Opcode = 0xB
	OpAck          Opcode = 0xC
	OpChannel      Opcode = 0xD
	OpChannelList  Opcode = 0xE
)

// Flag is an attribute bit, bits 4..7 of the type word.
type Flag uint32

const (
	FlagSync  Flag = 0x10
	FlagEcho  Flag = 0x20
	FlagCrypt Flag = 0x40
	FlagForce Flag = 0x80
)

// VarType is the declared variable type, bits 8..11 (shifted << 8).
type VarType uint32

const (
	VarNotDefined VarType = 0x0
	VarEmpty      VarType = 0x1
	VarInt32      VarType = 0x2
	VarInt64      VarType = 0x3
	VarFloat      VarType = 0x4
	VarDouble     VarType = 0x5
	VarString     VarType = 0x6
	VarStructure  VarType = 0x7
	VarStream     VarType = 0x8
	VarHuge       VarType = 0xD
	VarAny        VarType = 0xF
)

// ChannelSubtype is carried in bits 12..15 (shifted << 12), only meaningful
// on CHANNEL opcode packets.
type ChannelSubtype uint32

const (
	ChanAnons   ChannelSubtype = 0x1
	ChanRequest ChannelSubtype = 0x2
	ChanTicket  ChannelSubtype = 0x3
)

const (
	opcodeMask  = 0x0000000F
	flagMask    = 0x000000F0
	varTypeMask = 0x00000F00
	chanSubMask = 0x0000F000

	varTypeShift = 8
	chanSubShift = 12
)

// Status is the byte carried in update_counter on a SERVER_STATUS packet.
type Status uint8

const (
	StatusNotFound      Status = 0
	StatusNotSupport    Status = 1
	StatusUnknownClient Status = 2
	StatusCrypt         Status = 3
)

// Type packs an opcode with its attribute flags, declared variable type, and
// (for CHANNEL packets) channel subtype into the single 32-bit type word.
type Type struct {
	Opcode  Opcode
	Flags   Flag
	VarType VarType
	ChanSub ChannelSubtype
}

// Encode packs the Type into its wire representation.
func (t Type) Encode() uint32 {
	return uint32(t.Opcode)&opcodeMask |
		uint32(t.Flags)&flagMask |
		(uint32(t.VarType)<<varTypeShift)&varTypeMask |
		(uint32(t.ChanSub)<<chanSubShift)&chanSubMask
}

// DecodeType unpacks a wire type word into its component bitfields.
func DecodeType(raw uint32) Type {
	return Type{
		Opcode:  Opcode(raw & opcodeMask),
		Flags:   Flag(raw & flagMask),
		VarType: VarType((raw & varTypeMask) >> varTypeShift),
		ChanSub: ChannelSubtype((raw & chanSubMask) >> chanSubShift),
	}
}

// Has reports whether the given attribute flag is set.
func (t Type) Has(f Flag) bool {
	return t.Flags&f != 0
}
