package sphinx

import (
	"net"
	"strconv"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/penberg/sphinx/log"
	"github.com/penberg/sphinx/logmem"
	"github.com/penberg/sphinx/reactor"
)

// Server owns every shard of a running instance: it builds one Log,
// Reactor and listener pair per thread, all sharing one Cluster, and
// runs each shard's reactor loop on its own goroutine until Shutdown
// closes them all down. Shards never share memory once started; this
// type exists only to construct and tear them down together.
type Server struct {
	conf   Config
	logger log.Logger

	cluster *reactor.Cluster
	shards  []*Shard

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer builds a Server ready to ListenAndServe. It does not bind
// any socket yet.
func NewServer(conf Config, logger log.Logger) (*Server, error) {
	perShard := conf.MemoryLimit / int64(conf.Threads)
	cluster := reactor.NewCluster(conf.Threads)

	s := &Server{
		conf:    conf,
		logger:  logger,
		cluster: cluster,
		shards:  make([]*Shard, conf.Threads),
		stop:    make(chan struct{}),
	}

	for id := 0; id < conf.Threads; id++ {
		region, err := logmem.NewMemoryRegion(int(perShard), int(conf.SegmentSize))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "shard %d: memory region", id)
		}
		lg := logmem.NewLog(region)

		backend, err := reactor.NewEpollBackend()
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "shard %d: epoll backend", id)
		}

		shard := NewShard(id, conf.Threads, lg, nil, logger, 0)
		re, err := reactor.NewReactor(id, cluster, backend, shard.HandleMessage)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "shard %d: reactor", id)
		}
		shard.re = re
		s.shards[id] = shard
	}
	return s, nil
}

// ListenAndServe binds a TCP listener (and, if configured, a UDP socket)
// on every shard's reactor and runs each shard's event loop until
// Shutdown is called or that shard hits a fatal error; a failed shard
// does not stop the others. It blocks until every shard's Run returns,
// then reports one of the errors, if any.
func (s *Server) ListenAndServe() error {
	host, portStr, err := net.SplitHostPort(s.conf.Addr)
	if err != nil {
		return pkgerrors.Wrapf(err, "invalid listen address %q", s.conf.Addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return pkgerrors.Wrapf(err, "invalid listen port %q", portStr)
	}

	var udpHost string
	var udpPort int
	if s.conf.UDPAddr != "" {
		var udpPortStr string
		udpHost, udpPortStr, err = net.SplitHostPort(s.conf.UDPAddr)
		if err != nil {
			return pkgerrors.Wrapf(err, "invalid udp listen address %q", s.conf.UDPAddr)
		}
		udpPort, err = strconv.Atoi(udpPortStr)
		if err != nil {
			return pkgerrors.Wrapf(err, "invalid udp listen port %q", udpPortStr)
		}
	}

	errCh := make(chan error, len(s.shards))
	for _, shard := range s.shards {
		shard := shard

		// Every shard listens independently on the same port: the kernel
		// load-balances accepted connections and datagrams across them via
		// SO_REUSEPORT, so there is no shared accept queue or cross-shard
		// coordination needed at the listener level.
		listener, err := reactor.ListenTCP(host, port, s.conf.ListenBacklog, func(connFd int) {
			if len(shard.conns) >= s.conf.MaxConnectionsPerShard {
				unix.Close(connFd)
				return
			}
			shard.AcceptConn(connFd)
		})
		if err != nil {
			return pkgerrors.Wrapf(err, "shard %d: listen tcp", shard.ID())
		}
		if err := shard.re.Accept(listener); err != nil {
			return pkgerrors.Wrapf(err, "shard %d: register listener", shard.ID())
		}

		if s.conf.UDPAddr != "" {
			udpSock, err := reactor.ListenUDP(udpHost, udpPort, shard.udpRecv)
			if err != nil {
				return pkgerrors.Wrapf(err, "shard %d: listen udp", shard.ID())
			}
			if err := shard.re.Recv(udpSock); err != nil {
				return pkgerrors.Wrapf(err, "shard %d: register udp socket", shard.ID())
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := shard.re.Run(s.stop); err != nil {
				errCh <- pkgerrors.Wrapf(err, "shard %d", shard.ID())
			}
		}()
	}

	s.wg.Wait()
	close(errCh)
	for err := range errCh {
		return err
	}
	return nil
}

// Shutdown signals every shard's reactor loop to stop and waits for them
// to exit.
func (s *Server) Shutdown() {
	close(s.stop)
	s.wg.Wait()
}
