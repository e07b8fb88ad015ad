// Package sphinx wires together the log-structured store, the router,
// and the reactor into a sharded memcache-compatible server: one Shard
// per OS thread, each owning its own Log and Reactor outright, talking to
// its peers only through cross-shard Envelopes.
package sphinx

import (
	"bytes"

	pkgerrors "github.com/pkg/errors"

	"github.com/penberg/sphinx/log"
	"github.com/penberg/sphinx/logmem"
	"github.com/penberg/sphinx/protocol"
	"github.com/penberg/sphinx/reactor"
	"github.com/penberg/sphinx/recycle"
	"github.com/penberg/sphinx/router"
)

// errQueueFull is reported to a client whose request had to be forwarded
// to a peer shard whose inbound queue was already full.
var errQueueFull = pkgerrors.New("shard queue full")

// conn tracks one accepted TCP connection's parse and reply state. A
// connection belongs to exactly one shard: the one whose reactor
// accepted it.
type conn struct {
	sock   *reactor.TcpSocket
	parser *protocol.Parser

	// busy is true while a command from this connection is awaiting a
	// cross-shard round trip. While busy, further bytes already read
	// from the socket stay buffered in parser and are not acted on,
	// which keeps responses in request order without an explicit
	// per-connection queue.
	busy bool
}

// Shard is one thread's private slice of the server: its own Log, its
// own Reactor, and the connections its Reactor accepted. Only this
// shard's own goroutine ever touches these fields.
type Shard struct {
	id       int
	nrShards int

	log     *logmem.Log
	re      *reactor.Reactor
	logger  log.Logger
	maxItem int
	// pool hands off a found blob across the shard-to-shard queue through
	// pooled chunks instead of one ad hoc allocation per cross-shard get,
	// since the blob's lifetime must outlive this shard's Log's next
	// mutation once it has been copied for the reply.
	pool *recycle.Pool

	conns map[int]*conn // fd -> conn

	// pending holds, for every request this shard has forwarded to a
	// peer and not yet heard back about, the continuation to run once
	// the peer's reply envelope arrives.
	pending map[uint64]func(Envelope)
	nextReq uint64
}

// NewShard constructs a shard. log and re must already be wired up (re's
// onMessage callback set to Shard.HandleMessage) before any socket is
// registered with it.
func NewShard(id, nrShards int, lg *logmem.Log, re *reactor.Reactor, logger log.Logger, maxItemSize int) *Shard {
	return &Shard{
		id:       id,
		nrShards: nrShards,
		log:      lg,
		re:       re,
		logger:   logger,
		maxItem:  maxItemSize,
		pool:     recycle.NewPool(),
		conns:    make(map[int]*conn),
		pending:  make(map[uint64]func(Envelope)),
	}
}

// ID reports which shard index this is, matching router.TargetShard's
// return range.
func (s *Shard) ID() int { return s.id }

// HandleMessage is this shard's Reactor onMessage callback: it either
// executes an inbound request from a peer shard and sends back the
// response envelope, or resolves one of this shard's own pending
// requests.
func (s *Shard) HandleMessage(from int, msg reactor.Message) {
	env := msg.(Envelope)
	switch env.Op {
	case OpGet, OpSet, OpDelete:
		s.serveRemote(from, env)
	default:
		if cont, ok := s.pending[env.RequestID]; ok {
			delete(s.pending, env.RequestID)
			cont(env)
		}
	}
}

// AcceptConn registers a freshly accepted fd with this shard's reactor
// and starts tracking its parse state.
func (s *Shard) AcceptConn(fd int) {
	c := &conn{parser: protocol.NewParser()}
	c.sock = reactor.NewTcpSocket(fd, func(sock *reactor.TcpSocket, data []byte) {
		s.onRecv(c, data)
	})
	s.conns[fd] = c
	if err := s.re.Recv(c.sock); err != nil {
		s.logger.Errorf("sphinx: register connection: %v", err)
		s.closeConn(c)
	}
}

func (s *Shard) closeConn(c *conn) {
	delete(s.conns, c.sock.Fd())
	if err := s.re.Close(c.sock); err != nil {
		s.logger.Errorf("sphinx: close connection: %v", err)
	}
	c.sock.Close()
}

func (s *Shard) onRecv(c *conn, data []byte) {
	if len(data) == 0 {
		s.closeConn(c)
		return
	}
	c.parser.Feed(data)
	s.pump(c)
}

// pump drains as many fully-buffered commands as it can from c without
// blocking: it stops as soon as the parser needs more bytes, or a
// command was dispatched to a remote shard and the connection must wait
// for that round trip before it can look at anything else it buffered.
func (s *Shard) pump(c *conn) {
	for !c.busy {
		cmd, needMore, clientErr, err := c.parser.Next()
		if err != nil {
			s.logger.Errorf("sphinx: parse error: %v", err)
			s.closeConn(c)
			return
		}
		if needMore {
			return
		}
		if clientErr != nil {
			w := protocol.NewResponseWriter()
			w.ClientError(clientErr)
			s.sendTCP(c, w.Bytes())
			continue
		}
		s.dispatch(c, cmd)
	}
}

func (s *Shard) sendTCP(c *conn, resp []byte) {
	if len(resp) == 0 {
		return
	}
	if !c.sock.Send(resp) {
		if err := s.re.WatchWritable(c.sock); err != nil {
			s.logger.Errorf("sphinx: watch writable: %v", err)
		}
	}
}

func (s *Shard) targetShard(key string) int {
	return router.TargetShard([]byte(key), s.nrShards)
}

// dispatch executes cmd locally if every key it touches belongs to this
// shard, or forwards it to the single remote shard otherwise. The text
// protocol only ever names one key per set/delete command; get may name
// several, which this server resolves one key at a time so each can be
// routed independently.
func (s *Shard) dispatch(c *conn, cmd *protocol.Command) {
	switch cmd.Kind {
	case protocol.KindGet:
		s.dispatchGet(c, cmd)
	case protocol.KindSet:
		s.dispatchKeyed(c, cmd.Item.Key, cmd)
	case protocol.KindDelete:
		s.dispatchKeyed(c, cmd.Keys[0], cmd)
	}
}

func (s *Shard) dispatchGet(c *conn, cmd *protocol.Command) {
	w := protocol.NewResponseWriter()
	var remoteKeys []string
	for _, key := range cmd.Keys {
		if s.targetShard(key) != s.id {
			remoteKeys = append(remoteKeys, key)
			continue
		}
		if blob, ok := s.log.Find([]byte(key)); ok {
			w.Value(key, 0, blob)
		}
	}
	s.resolveRemoteGets(c, w, remoteKeys)
}

// resolveRemoteGets forwards one remote key at a time to its owning
// shard, appending each hit to w, then writes the END terminator once
// every remote key has been resolved.
func (s *Shard) resolveRemoteGets(c *conn, w *protocol.ResponseWriter, remoteKeys []string) {
	if len(remoteKeys) == 0 {
		w.End()
		s.sendTCP(c, w.Bytes())
		return
	}
	key := remoteKeys[0]
	c.busy = true
	s.forward(OpGet, key, nil, 0, 0, func(env Envelope, ok bool) {
		if ok && env.Op == OpGetOk {
			w.ValueFrom(key, 0, env.Size, env.Data)
			env.Data.Recycle()
		}
		c.busy = false
		s.resolveRemoteGets(c, w, remoteKeys[1:])
		s.pump(c)
	})
}

func (s *Shard) dispatchKeyed(c *conn, key string, cmd *protocol.Command) {
	if s.targetShard(key) == s.id {
		w := s.execLocal(cmd)
		if !cmd.NoReply {
			s.sendTCP(c, w.Bytes())
		}
		return
	}
	op := OpSet
	if cmd.Kind == protocol.KindDelete {
		op = OpDelete
	}
	c.busy = true
	s.forward(op, key, cmd.Blob, cmd.Item.Flags, cmd.Item.Exptime, func(env Envelope, ok bool) {
		if !cmd.NoReply {
			w := protocol.NewResponseWriter()
			if ok {
				writeKeyedResult(w, env.Op)
			} else {
				w.ServerError(errQueueFull)
			}
			s.sendTCP(c, w.Bytes())
		}
		c.busy = false
		s.pump(c)
	})
}

func writeKeyedResult(w *protocol.ResponseWriter, op Opcode) {
	switch op {
	case OpSetOk:
		w.Stored()
	case OpSetOutOfMemory:
		w.ServerError(logmem.ErrOutOfMemory)
	case OpDeleteOk:
		w.Deleted()
	case OpDeleteNotFound:
		w.NotFound()
	}
}

// execLocal runs a command whose key belongs to this shard and returns
// the response to write back, without touching the network.
func (s *Shard) execLocal(cmd *protocol.Command) *protocol.ResponseWriter {
	w := protocol.NewResponseWriter()
	switch cmd.Kind {
	case protocol.KindSet:
		if err := s.log.Append([]byte(cmd.Item.Key), cmd.Blob); err != nil {
			w.ServerError(err)
			return w
		}
		w.Stored()
	case protocol.KindDelete:
		if s.log.Remove([]byte(cmd.Keys[0])) {
			w.Deleted()
		} else {
			w.NotFound()
		}
	}
	return w
}

// forward sends op on key to its owning shard and registers cont to run
// once the peer's reply comes back, or immediately (with ok=false) if
// the peer's inbound queue was already full.
func (s *Shard) forward(op Opcode, key string, blob []byte, flags uint32, exptime int64, cont func(env Envelope, ok bool)) {
	target := s.targetShard(key)
	reqID := s.nextReq
	s.nextReq++
	env := Envelope{RequestID: reqID, Op: op, Key: key, Blob: blob, Flags: flags, Exptime: exptime}
	if !s.re.SendMsg(target, env) {
		cont(Envelope{}, false)
		return
	}
	s.pending[reqID] = func(reply Envelope) { cont(reply, true) }
}

func (s *Shard) serveRemote(from int, env Envelope) {
	reply := Envelope{RequestID: env.RequestID, Key: env.Key}
	switch env.Op {
	case OpGet:
		if blob, ok := s.log.Find([]byte(env.Key)); ok {
			// blob is only valid until the next mutating Log call, which
			// may happen before this reply reaches the other shard's
			// queue, so it is checked out of the pool here and handed
			// across as a recycle.Data the receiving shard owns and
			// recycles once it has written the value out.
			data, err := s.pool.ReadData(bytes.NewReader(blob), len(blob))
			if err != nil {
				// bytes.Reader over an in-memory slice of the declared
				// length cannot fail a full read.
				panic(err)
			}
			reply.Op = OpGetOk
			reply.Data = data
			reply.Size = len(blob)
		} else {
			reply.Op = OpGetNotFound
		}
	case OpSet:
		if err := s.log.Append([]byte(env.Key), env.Blob); err != nil {
			reply.Op = OpSetOutOfMemory
		} else {
			reply.Op = OpSetOk
		}
	case OpDelete:
		if s.log.Remove([]byte(env.Key)) {
			reply.Op = OpDeleteOk
		} else {
			reply.Op = OpDeleteNotFound
		}
	}
	if !s.re.SendMsg(from, reply) {
		s.logger.Errorf("sphinx: reply queue to shard %d full, dropping reply for request %d", from, reply.RequestID)
		if reply.Data != nil {
			reply.Data.Recycle()
		}
	}
}
