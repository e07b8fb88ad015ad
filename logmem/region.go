package logmem

import "github.com/facebookgo/stackerr"

// MemoryRegion is one contiguous byte range that backs a single shard's Log.
// It is allocated once, at shard init, and is never moved or grown; its
// length is always a whole multiple of the segment size it was carved with.
type MemoryRegion struct {
	buf         []byte
	segmentSize int
}

// NewMemoryRegion allocates a region of size bytes, to be split into
// segments of segmentSize bytes each. size must be a positive multiple of
// segmentSize.
func NewMemoryRegion(size, segmentSize int) (*MemoryRegion, error) {
	if segmentSize <= 0 {
		return nil, stackerr.Newf("logmem: non-positive segment size %d", segmentSize)
	}
	if size <= 0 || size%segmentSize != 0 {
		return nil, stackerr.Newf("logmem: region size %d is not a positive multiple of segment size %d", size, segmentSize)
	}
	return &MemoryRegion{
		buf:         make([]byte, size),
		segmentSize: segmentSize,
	}, nil
}

// NumSegments returns how many fixed-size segments this region is carved
// into.
func (r *MemoryRegion) NumSegments() int {
	return len(r.buf) / r.segmentSize
}

// SegmentSize returns the byte size of every segment in this region.
func (r *MemoryRegion) SegmentSize() int {
	return r.segmentSize
}

// segmentBytes returns the i-th segment-sized slice of the backing array.
func (r *MemoryRegion) segmentBytes(i int) []byte {
	start := i * r.segmentSize
	return r.buf[start : start+r.segmentSize]
}
