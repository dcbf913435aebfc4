// Package sock wraps a raw IPv4 UDP descriptor with non-blocking receive,
// readiness waits and sendto.
package sock

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock reports that no datagram is available right now.
	ErrWouldBlock = errors.New("sock: no datagram available")
	// ErrNotDatagram reports a descriptor that is not a UDP socket.
	ErrNotDatagram = errors.New("sock: descriptor is not a datagram socket")
	// ErrAddressFamily reports a non-IPv4 address.
	ErrAddressFamily = errors.New("sock: only IPv4 endpoints are supported")
)

// Socket is an IPv4 UDP descriptor. Receive and send never block.
type Socket struct {
	fd    int
	owned bool
}

// Open creates a UDP socket bound to addr.
func Open(addr netip.AddrPort) (*Socket, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("cannot create UDP socket: %w", err)
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	return &Socket{fd: fd, owned: true}, nil
}

// FromFd wraps a descriptor owned by someone else. Close leaves it open.
func FromFd(fd int) (*Socket, error) {
	if fd < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotDatagram, fd)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, fmt.Errorf("%w: fd %d: %w", ErrNotDatagram, fd, err)
	}
	if typ != unix.SOCK_DGRAM {
		return nil, fmt.Errorf("%w: fd %d has type %d", ErrNotDatagram, fd, typ)
	}
	return &Socket{fd: fd}, nil
}

// Fd returns the descriptor.
func (s *Socket) Fd() int { return s.fd }

// LocalAddr returns the bound address.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPort(sa), nil
}

// SetTTL sets the IP time to live of outgoing datagrams.
func (s *Socket) SetTTL(ttl int) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_TTL, ttl)
}

// Wait blocks until a datagram is readable or timeout elapses. It reports
// false on timeout and on signal interruption.
func (s *Socket) Wait(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, fmt.Errorf("poll error: %w", err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// RecvFrom reads one datagram into buf. It returns ErrWouldBlock when
// nothing is queued on the socket.
func (s *Socket) RecvFrom(buf []byte) (int, netip.AddrPort, error) {
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, unix.MSG_DONTWAIT)
		switch err {
		case nil:
			return n, addrPort(from), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		return 0, netip.AddrPort{}, err
	}
}

// SendTo writes b as one datagram to addr.
func (s *Socket) SendTo(b []byte, addr netip.AddrPort) error {
	sa, err := sockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Sendto(s.fd, b, unix.MSG_DONTWAIT, sa)
}

// Close closes descriptors created by Open.
func (s *Socket) Close() error {
	if !s.owned || s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

func sockaddr(addr netip.AddrPort) (*unix.SockaddrInet4, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrAddressFamily, addr)
	}
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: ip.As4()}, nil
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
