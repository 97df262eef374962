package broker

import "errors"

// Sentinel errors naming the broker's error conditions (spec.md §7). The
// dispatch handlers return nothing: they log and drop a packet that hits
// one of these conditions, or answer with a SERVER_STATUS code, per the
// opcode table in spec.md §4.4. Only ErrNoCapacity is returned by code in
// this package, from the table methods.
var (
	// ErrNoCapacity is returned when an event, client, or channel table has
	// no free slot left.
	ErrNoCapacity = errors.New("broker: no capacity")

	// ErrNotDefined names a READ/WRITE/SUBSCRIBE against an event
	// identifier that has no DEFINE on record (and FORCE was not set). No
	// function returns it.
	ErrNotDefined = errors.New("broker: event not defined")

	// ErrTypeMismatch names a WRITE or SUBSCRIBE that declares a variable
	// type disagreeing with the event's declared type while neither side
	// is VarAny. No function returns it.
	ErrTypeMismatch = errors.New("broker: variable type mismatch")

	// ErrVersionMismatch names a CLIENT_ID handshake whose major protocol
	// version disagrees with the broker's. No function returns it; the
	// handshake answers with SERVER_STATUS NOTSUPPORT instead.
	ErrVersionMismatch = errors.New("broker: protocol major version mismatch")

	// ErrUnknownClient names a UDP packet whose opcode is not CLIENT_ID
	// arriving from a source address the broker has no client record for.
	// No function returns it.
	ErrUnknownClient = errors.New("broker: unknown client")

	// ErrPayloadTooLarge names a WRITE whose payload exceeds the 512-byte
	// UDP-safe event value ceiling. No function returns it.
	ErrPayloadTooLarge = errors.New("broker: event value exceeds 512 bytes")
)
