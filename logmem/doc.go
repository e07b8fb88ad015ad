// Package logmem implements a log-structured memory allocator for variable
// sized key/blob pairs.
//
// Memory is carved up front into fixed-size Segments, each a bump allocator
// over a contiguous byte range. A Log owns all Segments belonging to one
// shard plus a hash Index from key to the live Object for that key.
// Append always writes into the current segment until it runs out of room,
// at which point a fresh segment is pulled from the free side of the ring.
// When no free segment remains, Reclaim drains whole segments: live objects
// are relocated ahead of the write cursor and the segment is handed back to
// the free side once every surviving object has moved.
//
// Segments carry no free-hole bookkeeping of their own; fragmentation inside
// a segment is tolerated because whole segments are reclaimed, never
// individual holes. This bounds external fragmentation to "segment size"
// instead of the arbitrary small remainders a general purpose allocator
// accumulates.
package logmem
