package reactor

import (
	"errors"
	"net"

	"github.com/facebookgo/stackerr"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// rxBufSize mirrors the reference server's fixed scratch buffer: large
// enough that a single recv rarely needs a second call, reused across
// every read so steady-state traffic does no per-message allocation.
const rxBufSize = 256 * 1024

// SockAddr is a resolved peer address, carried alongside a UDP datagram so
// a reply can be sent back to whoever sent it without a second lookup.
type SockAddr struct {
	raw unix.Sockaddr
}

// TcpAcceptFn is invoked with a newly accepted, non-blocking connection fd.
type TcpAcceptFn func(connFd int)

// TcpListener watches a listening socket and hands each accepted
// connection to acceptFn.
type TcpListener struct {
	fd       int
	acceptFn TcpAcceptFn
}

// ListenTCP binds and listens on iface:port, returning a TcpListener not
// yet registered with any Reactor.
func ListenTCP(iface string, port int, backlog int, acceptFn TcpAcceptFn) (*TcpListener, error) {
	fd, sa, err := resolveAndSocket(iface, port, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, stackerr.Wrap(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, stackerr.Wrap(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "bind %s:%d", iface, port)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "listen %s:%d", iface, port)
	}
	return &TcpListener{fd: fd, acceptFn: acceptFn}, nil
}

func (l *TcpListener) Fd() int { return l.fd }

// Port reports the port the listener is bound to, useful when ListenTCP
// was called with port 0 to let the kernel pick one.
func (l *TcpListener) Port() (int, error) {
	return sockPort(l.fd)
}

func (l *TcpListener) OnReadEvent() {
	connFd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			return
		}
		panic(stackerr.Wrap(err))
	}
	l.acceptFn(connFd)
}

func (l *TcpListener) OnWriteEvent() bool { return true }

// Close closes the underlying listening socket.
func (l *TcpListener) Close() error {
	return unix.Close(l.fd)
}

// TcpRecvFn is invoked with each chunk read from a connection. A
// zero-length slice means the peer closed the connection (EOF).
type TcpRecvFn func(sock *TcpSocket, data []byte)

// TcpSocket is a connected, non-blocking TCP socket with a buffered,
// best-effort Send: a write that would block is appended to an internal
// tx buffer and retried as the socket becomes writable, matching the
// reference server's Socket::send.
type TcpSocket struct {
	fd     int
	recvFn TcpRecvFn
	rxBuf  [rxBufSize]byte
	txBuf  []byte
}

// NewTcpSocket wraps an already-accepted or already-connected fd.
func NewTcpSocket(fd int, recvFn TcpRecvFn) *TcpSocket {
	return &TcpSocket{fd: fd, recvFn: recvFn}
}

func (s *TcpSocket) Fd() int { return s.fd }

// SetNoDelay toggles TCP_NODELAY.
func (s *TcpSocket) SetNoDelay(noDelay bool) error {
	v := 0
	if noDelay {
		v = 1
	}
	return stackerr.Wrap(unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v))
}

// Send writes msg, buffering whatever doesn't fit synchronously. It
// reports whether the full message is now written to the kernel (true)
// or some of it remains buffered and the caller must watch writability
// (false). A reset/broken-pipe peer is treated as "done" — nothing left
// worth buffering for a socket that is going to be closed anyway.
func (s *TcpSocket) Send(msg []byte) bool {
	if len(s.txBuf) > 0 {
		s.txBuf = append(s.txBuf, msg...)
		return false
	}
	n, err := unix.Write(s.fd, msg)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) {
			return true
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			s.txBuf = append(s.txBuf, msg...)
			return false
		}
		panic(stackerr.Wrap(err))
	}
	if n < len(msg) {
		s.txBuf = append(s.txBuf, msg[n:]...)
		return false
	}
	return true
}

func (s *TcpSocket) OnReadEvent() {
	n, err := unix.Read(s.fd, s.rxBuf[:])
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) {
			s.recvFn(s, nil)
			return
		}
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		panic(stackerr.Wrap(err))
	}
	s.recvFn(s, s.rxBuf[:n])
}

// OnWriteEvent flushes as much of the tx buffer as the kernel will take,
// reporting whether the buffer is now fully drained.
func (s *TcpSocket) OnWriteEvent() bool {
	if len(s.txBuf) == 0 {
		return true
	}
	n, err := unix.Write(s.fd, s.txBuf)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) {
			return true
		}
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return false
		}
		panic(stackerr.Wrap(err))
	}
	s.txBuf = s.txBuf[n:]
	if len(s.txBuf) == 0 {
		s.txBuf = nil
		return true
	}
	return false
}

// Close closes the underlying connection.
func (s *TcpSocket) Close() error {
	return unix.Close(s.fd)
}

// UdpRecvFn is invoked for each received datagram with the address it
// came from so a reply can be routed back to the same peer.
type UdpRecvFn func(sock *UdpSocket, data []byte, from SockAddr)

// UdpSocket is a non-blocking, connectionless datagram socket.
type UdpSocket struct {
	fd     int
	recvFn UdpRecvFn
	rxBuf  [rxBufSize]byte
}

// ListenUDP binds a UDP socket on iface:port.
func ListenUDP(iface string, port int, recvFn UdpRecvFn) (*UdpSocket, error) {
	fd, sa, err := resolveAndSocket(iface, port, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, stackerr.Wrap(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, stackerr.Wrap(err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, stackerr.Wrap(err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, pkgerrors.Wrapf(err, "bind %s:%d", iface, port)
	}
	return &UdpSocket{fd: fd, recvFn: recvFn}, nil
}

func (u *UdpSocket) Fd() int { return u.fd }

// Port reports the port the socket is bound to.
func (u *UdpSocket) Port() (int, error) {
	return sockPort(u.fd)
}

// SendTo writes one full datagram to dst. Unlike TcpSocket.Send there is
// no buffering path: a datagram that cannot be sent whole is a protocol
// violation, not something to retry piecemeal.
func (u *UdpSocket) SendTo(msg []byte, dst SockAddr) error {
	err := unix.Sendto(u.fd, msg, 0, dst.raw)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE) {
			return nil
		}
		return stackerr.Wrap(err)
	}
	return nil
}

func (u *UdpSocket) OnReadEvent() {
	n, from, err := unix.Recvfrom(u.fd, u.rxBuf[:], 0)
	if err != nil {
		if errors.Is(err, unix.ECONNRESET) {
			u.recvFn(u, nil, SockAddr{})
			return
		}
		if errors.Is(err, unix.EAGAIN) {
			return
		}
		panic(stackerr.Wrap(err))
	}
	u.recvFn(u, u.rxBuf[:n], SockAddr{raw: from})
}

func (u *UdpSocket) OnWriteEvent() bool { return true }

// Close closes the underlying socket.
func (u *UdpSocket) Close() error {
	return unix.Close(u.fd)
}

// resolveAndSocket resolves iface, takes the first address it resolves to,
// and returns a new, not yet bound, non-blocking IPv4 socket of sockType
// along with the unix.Sockaddr for that address and port to bind against.
// Other resolved addresses are not tried.
func resolveAndSocket(iface string, port int, sockType int) (int, unix.Sockaddr, error) {
	ip := net.ParseIP(iface)
	if iface == "" {
		ip = net.IPv4zero
	}
	if ip == nil {
		addrs, err := net.LookupIP(iface)
		if err != nil || len(addrs) == 0 {
			return -1, nil, pkgerrors.Errorf("cannot resolve interface %q", iface)
		}
		ip = addrs[0]
	}
	fd, err := unix.Socket(unix.AF_INET, sockType|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, nil, stackerr.Wrap(err)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return fd, sa, nil
	}
	unix.Close(fd)
	return -1, nil, pkgerrors.Errorf("%q: only IPv4 is supported, got %q", iface, ip)
}

func sockPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, stackerr.Wrap(err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, stackerr.Newf("reactor: unexpected sockaddr type %T", sa)
	}
	return in4.Port, nil
}
