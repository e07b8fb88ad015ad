package logmem

import (
	"math/bits"

	"github.com/facebookgo/stackerr"
)

// Errors returned by Log.Append. Both are recoverable at the protocol
// boundary: the caller is expected to translate them into a client-visible
// response rather than treat them as invariant violations.
var (
	// ErrOutOfRange is returned when a key/blob pair can never fit in any
	// segment of this Log, regardless of reclamation.
	ErrOutOfRange = stackerr.Newf("logmem: object larger than segment")
	// ErrOutOfMemory is returned when the log has no clean segment left and
	// reclamation could not free enough bytes to satisfy the append. Its
	// message is the exact text the text protocol puts on the wire after
	// SERVER_ERROR, so it must not be reworded.
	ErrOutOfMemory = stackerr.Newf("out of memory storing object")
)

// Log owns one shard's segments, the key to Object index, and the
// reclamation policy. Only the owning shard's single thread may call any
// method on a Log; there is no internal locking.
//
// Free segments are kept bucketed by the floor of log2 of their remaining
// capacity, mirroring the allocator's original get_segment/put_segment
// bucketing: appends pull the segment with the *most* remaining room first,
// and reclamation also walks the buckets from the most remaining room
// (least occupancy) down; it does not measure how much of a segment's data
// is still live before choosing it. The highest non-empty bucket holds the
// segments with the most free room, i.e. clean or freshly-reclaimed
// segments. This bucketed free list stands in for "the free side of the
// ring" from the segment ring model, but it keeps no age order: segments
// are chosen for reuse and for reclamation by remaining room, not oldest
// first.
type Log struct {
	region      *MemoryRegion
	segmentSize int
	index       map[string]Object
	buckets     [][]*Segment
	current     *Segment
}

// NewLog constructs a Log over every segment of region. All segments start
// out free.
func NewLog(region *MemoryRegion) *Log {
	nBuckets := bits.Len(uint(region.segmentSize)) + 1
	l := &Log{
		region:      region,
		segmentSize: region.segmentSize,
		index:       make(map[string]Object),
		buckets:     make([][]*Segment, nBuckets),
	}
	for i := 0; i < region.NumSegments(); i++ {
		l.putSegment(newSegment(region.segmentBytes(i)))
	}
	return l
}

// Find returns a view of the blob stored for key, if key maps to a live
// object. The returned slice is valid only until the next mutating call
// (Append, Remove or Reclaim) on this Log.
func (l *Log) Find(key []byte) ([]byte, bool) {
	obj, ok := l.index[string(key)]
	if !ok {
		return nil, false
	}
	return obj.Blob(), true
}

// Append stores key/blob, replacing any previous object for key. The
// previous object, if any, is marked expired; its bytes stay in place until
// reclamation. Append first tries to write without reclaiming; if that
// fails because the ring has run out of clean segments, it reclaims at
// least enough bytes for the new object and retries once.
func (l *Log) Append(key, blob []byte) error {
	size := SizeOf(len(key), len(blob))
	if size > l.segmentSize {
		return ErrOutOfRange
	}
	if l.appendNoReclaim(key, blob) {
		return nil
	}
	if l.Reclaim(size) < size {
		return ErrOutOfMemory
	}
	if !l.appendNoReclaim(key, blob) {
		// Reclaim freed at least `size` bytes across possibly several
		// segments; a single freshly-reset segment always has room for an
		// object no larger than segmentSize, so this should not happen.
		return ErrOutOfMemory
	}
	return nil
}

// Remove expires the indexed object for key and drops the index entry. The
// object's bytes remain physically present until its segment is reclaimed.
func (l *Log) Remove(key []byte) bool {
	keyStr := string(key)
	obj, ok := l.index[keyStr]
	if !ok {
		return false
	}
	obj.Expire()
	delete(l.index, keyStr)
	return true
}

// Reclaim drains segments from the free side of the ring until at least
// target bytes have been recovered, or no draining segment remains. It
// returns the number of bytes actually reclaimed, which may exceed target.
// Reclaim with target <= 0 is a no-op that returns 0 and touches nothing.
func (l *Log) Reclaim(target int) int {
	if target <= 0 {
		return 0
	}
	reclaimed := 0
	// Segments that yield nothing are set aside until the pass ends, so the
	// loop below never pops the same unchanged segment again.
	var skipped []*Segment
	defer func() {
		for _, seg := range skipped {
			l.putSegment(seg)
		}
	}()
	for bucket := len(l.buckets) - 1; bucket >= 0 && reclaimed < target; bucket-- {
		for len(l.buckets[bucket]) > 0 && reclaimed < target {
			n := len(l.buckets[bucket])
			seg := l.buckets[bucket][n-1]
			l.buckets[bucket] = l.buckets[bucket][:n-1]

			freed, drained := l.reclaimSegment(seg)
			reclaimed += freed
			if freed > 0 {
				l.putSegment(seg)
			} else {
				skipped = append(skipped, seg)
			}
			if !drained {
				// Relocating a live object would itself require
				// reclamation. Per the allocator's contract, abort the
				// whole reclamation pass here rather than recurse; the
				// segment keeps whatever live objects did not get
				// relocated and is not reset.
				return reclaimed
			}
		}
	}
	return reclaimed
}

// appendNoReclaim tries to write key/blob without ever triggering
// reclamation. It is used both by the public Append (before reclaiming) and
// by reclamation itself (to relocate live objects), matching the source
// allocator's distinction between a reclaiming and a non-reclaiming append.
func (l *Log) appendNoReclaim(key, blob []byte) bool {
	if l.current != nil {
		if l.tryAppend(l.current, key, blob) {
			return true
		}
		l.putSegment(l.current)
		l.current = nil
	}
	seg := l.getSegment()
	if seg == nil {
		return false
	}
	if l.tryAppend(seg, key, blob) {
		l.current = seg
		return true
	}
	l.putSegment(seg)
	return false
}

func (l *Log) tryAppend(seg *Segment, key, blob []byte) bool {
	obj, ok := seg.Append(key, blob)
	if !ok {
		return false
	}
	keyStr := string(obj.Key())
	if old, existed := l.index[keyStr]; existed {
		old.Expire()
	}
	l.index[keyStr] = obj
	return true
}

// reclaimSegment drains a single segment: live objects (neither expired nor
// superseded in the index) are relocated ahead of the cursor via a
// non-reclaiming append, then the segment is reset. It reports the bytes
// freed and whether the segment was fully drained. drained is false only
// when relocating a live object itself ran out of room; in that case the
// segment is not reset and freed is 0. Objects relocated before the failure
// stay behind in it as expired copies.
func (l *Log) reclaimSegment(seg *Segment) (freed int, drained bool) {
	garbage := 0
	seg.Iterate(func(o Object) bool {
		if o.IsExpired() {
			garbage += o.Size()
			return true
		}
		if cur, ok := l.index[string(o.Key())]; !ok || !cur.sameLocation(o) {
			garbage += o.Size()
		}
		return true
	})
	if garbage == 0 {
		// Nothing to gain: every object in the segment is still live and
		// current. Leave it exactly as it was.
		return 0, true
	}

	ok := true
	seg.Iterate(func(o Object) bool {
		if o.IsExpired() {
			return true
		}
		cur, exists := l.index[string(o.Key())]
		if !exists || !cur.sameLocation(o) {
			return true
		}
		if !l.appendNoReclaim(o.Key(), o.Blob()) {
			ok = false
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}

	freed = seg.Occupancy()
	seg.Reset()
	return freed, true
}

// bucketIndex returns the free-list bucket for a segment with the given
// number of remaining bytes: the floor of log2(remaining), so that larger
// remaining capacities land in higher buckets.
func bucketIndex(remaining int) int {
	if remaining <= 0 {
		return 0
	}
	return bits.Len(uint(remaining)) - 1
}

func (l *Log) putSegment(seg *Segment) {
	idx := bucketIndex(seg.Remaining())
	l.buckets[idx] = append(l.buckets[idx], seg)
}

func (l *Log) getSegment() *Segment {
	for i := len(l.buckets) - 1; i >= 0; i-- {
		n := len(l.buckets[i])
		if n == 0 {
			continue
		}
		seg := l.buckets[i][n-1]
		l.buckets[i] = l.buckets[i][:n-1]
		return seg
	}
	return nil
}
