package logmem

import "encoding/binary"

// Segment is a bump allocator over a fixed byte range. Objects are appended
// contiguously from the start of the range; the cursor only ever advances
// until Reset puts it back to zero. A Segment never searches for holes:
// fragmentation inside one is tolerated because the whole Segment is
// reclaimed at once.
type Segment struct {
	buf    []byte
	cursor int
}

// newSegment wraps buf, a slice carved out of a MemoryRegion, as a fresh
// empty Segment. buf is never copied or relocated for the lifetime of the
// Segment.
func newSegment(buf []byte) *Segment {
	return &Segment{buf: buf}
}

// IsEmpty reports whether the Segment holds no objects.
func (s *Segment) IsEmpty() bool {
	return s.cursor == 0
}

// IsFull reports whether the cursor has reached the end of the Segment. A
// Segment with fewer than headerSize bytes left cannot take another object
// either, but is not reported as full.
func (s *Segment) IsFull() bool {
	return s.cursor == len(s.buf)
}

// Occupancy returns the number of bytes currently in use by objects.
func (s *Segment) Occupancy() int {
	return s.cursor
}

// Remaining returns the number of bytes still available for appends.
func (s *Segment) Remaining() int {
	return len(s.buf) - s.cursor
}

// Reset puts the cursor back to the start of the Segment. Callers must
// ensure no live Index entry still points into this Segment before calling
// Reset; every Object handed out by it becomes invalid.
func (s *Segment) Reset() {
	s.cursor = 0
}

// Append reserves SizeOf(len(key), len(blob)) bytes at the cursor, writes
// the header and payload in place, and advances the cursor. It reports
// false without mutating the Segment if the object does not fit.
func (s *Segment) Append(key, blob []byte) (Object, bool) {
	size := SizeOf(len(key), len(blob))
	if s.Remaining() < size {
		return Object{}, false
	}
	off := s.cursor
	binary.LittleEndian.PutUint32(s.buf[off:], uint32(len(key)))
	binary.LittleEndian.PutUint32(s.buf[off+4:], uint32(len(blob)))
	binary.LittleEndian.PutUint32(s.buf[off+8:], 0)
	copy(s.buf[off+headerSize:], key)
	copy(s.buf[off+headerSize+len(key):], blob)
	s.cursor += size
	return Object{seg: s, off: off}, true
}

// Iterate walks every Object between the start of the Segment and the
// cursor, in append order, calling fn for each. Iteration stops early if fn
// returns false.
func (s *Segment) Iterate(fn func(Object) bool) {
	off := 0
	for off < s.cursor {
		obj := Object{seg: s, off: off}
		if !fn(obj) {
			return
		}
		off += obj.Size()
	}
}
