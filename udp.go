package sphinx

import (
	"github.com/penberg/sphinx/protocol"
	"github.com/penberg/sphinx/reactor"
)

// udpRecv parses one datagram as exactly one command and eventually
// sends back one framed response datagram, following the UDP framing
// rule that a request never spans more than one datagram. It needs no
// per-connection state: unlike TCP, concurrent datagrams on the same
// socket don't need to be serialized, since each carries its own
// request id and owes no ordering guarantee to any other.
func (s *Shard) udpRecv(sock *reactor.UdpSocket, datagram []byte, from reactor.SockAddr) {
	header, payload, err := protocol.DecodeUdpHeader(datagram)
	if err != nil {
		s.logger.Warnf("sphinx: malformed udp datagram from %v: %v", from, err)
		return
	}

	p := protocol.NewParser()
	p.Feed(payload)
	cmd, needMore, clientErr, err := p.Next()

	reply := func(payload []byte) {
		if err := sock.SendTo(protocol.EncodeUdpResponse(header.RequestID, header.SequenceNum, payload), from); err != nil {
			s.logger.Errorf("sphinx: udp reply to %v: %v", from, err)
		}
	}

	if err != nil {
		s.logger.Warnf("sphinx: udp parse error from %v: %v", from, err)
		return
	}
	if needMore {
		w := protocol.NewResponseWriter()
		w.Error()
		reply(w.Bytes())
		return
	}
	if clientErr != nil {
		w := protocol.NewResponseWriter()
		w.ClientError(clientErr)
		reply(w.Bytes())
		return
	}

	switch cmd.Kind {
	case protocol.KindGet:
		s.udpGet(cmd, reply)
	case protocol.KindSet:
		s.udpKeyed(cmd, cmd.Item.Key, reply)
	case protocol.KindDelete:
		s.udpKeyed(cmd, cmd.Keys[0], reply)
	}
}

func (s *Shard) udpGet(cmd *protocol.Command, reply func([]byte)) {
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
	s.finishUDPGet(w, remoteKeys, reply)
}

func (s *Shard) finishUDPGet(w *protocol.ResponseWriter, remoteKeys []string, reply func([]byte)) {
	if len(remoteKeys) == 0 {
		w.End()
		reply(w.Bytes())
		return
	}
	key := remoteKeys[0]
	s.forward(OpGet, key, nil, 0, 0, func(env Envelope, ok bool) {
		if ok && env.Op == OpGetOk {
			w.ValueFrom(key, 0, env.Size, env.Data)
			env.Data.Recycle()
		}
		s.finishUDPGet(w, remoteKeys[1:], reply)
	})
}

func (s *Shard) udpKeyed(cmd *protocol.Command, key string, reply func([]byte)) {
	if s.targetShard(key) == s.id {
		w := s.execLocal(cmd)
		if !cmd.NoReply {
			reply(w.Bytes())
		}
		return
	}
	op := OpSet
	if cmd.Kind == protocol.KindDelete {
		op = OpDelete
	}
	s.forward(op, key, cmd.Blob, cmd.Item.Flags, cmd.Item.Exptime, func(env Envelope, ok bool) {
		if cmd.NoReply {
			return
		}
		w := protocol.NewResponseWriter()
		if ok {
			writeKeyedResult(w, env.Op)
		} else {
			w.ServerError(errQueueFull)
		}
		reply(w.Bytes())
	})
}
