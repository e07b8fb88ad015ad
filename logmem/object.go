package logmem

import "encoding/binary"

// headerSize is the fixed size of an Object header: key_size, blob_size and
// the expired flag, each a little-endian uint32.
const headerSize = 12

// Object is a non-owning view of a header-plus-payload run inside a
// Segment's backing bytes. Object values are cheap to copy; none of them own
// memory, and all of them alias the Segment they were created from. An
// Object is valid only as long as the Segment has not been Reset.
type Object struct {
	seg *Segment
	off int
}

// SizeOf returns the number of bytes a key/blob pair of the given sizes
// would occupy once stored as an Object: the header plus both payloads.
func SizeOf(keySize, blobSize int) int {
	return headerSize + keySize + blobSize
}

// Size returns the number of bytes this Object occupies in its Segment.
func (o Object) Size() int {
	return SizeOf(o.keySize(), o.blobSize())
}

// Key returns the key bytes of this Object. The returned slice aliases the
// Segment's backing array and is invalidated by the next Reset of that
// Segment.
func (o Object) Key() []byte {
	start := o.off + headerSize
	return o.seg.buf[start : start+o.keySize()]
}

// Blob returns the blob bytes of this Object, subject to the same aliasing
// rules as Key.
func (o Object) Blob() []byte {
	start := o.off + headerSize + o.keySize()
	return o.seg.buf[start : start+o.blobSize()]
}

// Expire marks the Object as logically dead. Expiration is monotonic: once
// expired, an Object never becomes live again. The bytes stay put until the
// owning Segment is reclaimed.
func (o Object) Expire() {
	binary.LittleEndian.PutUint32(o.seg.buf[o.off+8:], 1)
}

// IsExpired reports whether Expire has been called on this Object.
func (o Object) IsExpired() bool {
	return binary.LittleEndian.Uint32(o.seg.buf[o.off+8:]) != 0
}

// sameLocation reports whether o and other address the identical byte range:
// same segment, same offset. Used by reclamation to tell "this is still the
// object the index points to" apart from "a newer object for this key now
// lives elsewhere".
func (o Object) sameLocation(other Object) bool {
	return o.seg == other.seg && o.off == other.off
}

func (o Object) keySize() int {
	return int(binary.LittleEndian.Uint32(o.seg.buf[o.off:]))
}

func (o Object) blobSize() int {
	return int(binary.LittleEndian.Uint32(o.seg.buf[o.off+4:]))
}
