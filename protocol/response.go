package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/penberg/sphinx/internal/util"
)

// ResponseWriter accumulates a reply in the memcache text protocol into an
// in-memory buffer, ready to be handed to a socket's Send. Building
// responses this way, rather than writing straight to a connection, is
// what lets a shard format a reply on whichever thread owns the data and
// still ship the finished bytes across to the connection's own thread.
type ResponseWriter struct {
	buf bytes.Buffer
}

// NewResponseWriter returns an empty ResponseWriter.
func NewResponseWriter() *ResponseWriter {
	return &ResponseWriter{}
}

// Bytes returns the accumulated response.
func (w *ResponseWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// Stored writes a set success reply.
func (w *ResponseWriter) Stored() {
	w.line(StoredResponse)
}

// Value writes one get hit; End must still be called afterwards.
func (w *ResponseWriter) Value(key string, flags uint32, blob []byte) {
	w.buf.WriteString(ValueResponse)
	w.buf.WriteByte(' ')
	w.buf.WriteString(key)
	fmt.Fprintf(&w.buf, " %d %d"+Separator, flags, len(blob))
	w.buf.Write(blob)
	w.buf.WriteString(Separator)
}

// ValueFrom writes one get hit whose size bytes come from src, without
// ever holding the whole value in a second buffer: src is drained
// straight into the response's own wire buffer. Used for values handed
// over from another shard through a recycle.Data, so the pooled chunk
// is read exactly once, directly into the bytes actually sent. End must
// still be called afterwards.
func (w *ResponseWriter) ValueFrom(key string, flags uint32, size int, src io.WriterTo) {
	w.buf.WriteString(ValueResponse)
	w.buf.WriteByte(' ')
	w.buf.WriteString(key)
	fmt.Fprintf(&w.buf, " %d %d"+Separator, flags, size)
	src.WriteTo(&w.buf)
	w.buf.WriteString(Separator)
}

// End writes the get response terminator.
func (w *ResponseWriter) End() {
	w.line(EndResponse)
}

// Deleted writes a delete success reply.
func (w *ResponseWriter) Deleted() {
	w.line(DeletedResponse)
}

// NotFound writes a delete miss reply.
func (w *ResponseWriter) NotFound() {
	w.line(NotFoundResponse)
}

// Error writes a bare protocol-level error.
func (w *ResponseWriter) Error() {
	w.line(ErrorResponse)
}

// ClientError writes a client error reply, unwrapping err down to its
// original cause the way the text protocol expects error text to read.
func (w *ResponseWriter) ClientError(err error) {
	w.line(fmt.Sprintf("%s %s", ClientErrorResponse, util.Unwrap(err)))
}

// ServerError writes a server error reply.
func (w *ResponseWriter) ServerError(err error) {
	w.line(fmt.Sprintf("%s %s", ServerErrorResponse, util.Unwrap(err)))
}

func (w *ResponseWriter) line(s string) {
	w.buf.WriteString(s)
	w.buf.WriteString(Separator)
}
