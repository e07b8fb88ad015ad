package sphinx

import "github.com/penberg/sphinx/recycle"

// Opcode identifies what a cross-shard Envelope asks the target shard to
// do, or what it is reporting back once done.
type Opcode int

const (
	OpGet Opcode = iota
	OpGetOk
	OpGetNotFound
	OpSet
	OpSetOk
	OpSetOutOfMemory
	OpDelete
	OpDeleteOk
	OpDeleteNotFound
)

// Envelope is the only thing that ever crosses an SPSC queue between two
// shards: an opaque request or response, carrying just enough state for
// the origin shard to resume the connection that asked for it once the
// target shard answers. It never carries a pointer into either shard's
// Log — Blob is a copy, and Data is a pooled chunk the receiving shard
// owns once the envelope arrives and must Recycle once it is done with
// it.
type Envelope struct {
	// RequestID is assigned by the origin shard and echoed back
	// unchanged, so the origin can find the connection this reply
	// belongs to among any other requests in flight to other shards.
	RequestID uint64

	Op Opcode

	Key     string
	Blob    []byte
	Flags   uint32
	Exptime int64

	// Data carries a GetOk reply's value through a pooled chunk instead
	// of a plain []byte copy: the chunk is checked out on the shard
	// that found the value and recycled by the shard that writes it
	// into a response, once written. Size is Data's byte length, since
	// recycle.Data does not expose one itself.
	Data *recycle.Data
	Size int
}
