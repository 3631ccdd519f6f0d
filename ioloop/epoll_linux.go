//go:build linux

// Package ioloop wraps the Linux epoll readiness multiplexer used by the
// single-threaded, edge-triggered connection-handling core (see
// SPEC_FULL.md §2 and §5). It also carries the two other Linux-specific
// socket facilities the core depends on: SO_ORIGINAL_DST, for recovering
// a transparently redirected TCP connection's real destination, and
// IP_TRANSPARENT, for binding a UDP return socket so its replies appear to
// originate from that same destination.
//
// The getsockopt call in OriginalDst follows the raw-syscall style used
// for reading kernel socket state elsewhere in the retrieved pack (see
// runZeroInc/sockstats' tcpinfo_linux.go), adapted to SO_ORIGINAL_DST's
// fixed-size sockaddr_in/sockaddr_in6 layout instead of tcp_info.
package ioloop

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ip6tSoOriginalDst is IP6T_SO_ORIGINAL_DST, not exported by x/sys/unix.
const ip6tSoOriginalDst = 80

// Readiness mirrors the subset of epoll event bits this core cares about.
type Readiness uint32

const (
	ReadinessRead  Readiness = unix.EPOLLIN
	ReadinessWrite Readiness = unix.EPOLLOUT
	ReadinessHup   Readiness = unix.EPOLLHUP | unix.EPOLLRDHUP
	ReadinessErr   Readiness = unix.EPOLLERR
)

// Event is one readiness notification returned from Wait.
type Event struct {
	FD   int
	Mask Readiness
}

// Poller is an edge-triggered epoll instance. It is not safe for
// concurrent use; the event loop that owns it is the only caller.
type Poller struct {
	epfd int
}

// New creates a Poller backed by a fresh epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_create1: %w", err)
	}
	return &Poller{epfd: fd}, nil
}

// Add registers fd for edge-triggered notification on the given mask.
func (p *Poller) Add(fd int, mask Readiness) error {
	ev := unix.EpollEvent{Events: uint32(mask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify rewrites the event mask already registered for fd.
func (p *Poller) Modify(fd int, mask Readiness) error {
	ev := unix.EpollEvent{Events: uint32(mask) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("ioloop: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Remove unregisters fd. It is not an error to remove an fd that was
// never added or was already closed out from under the poller.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("ioloop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks for readiness events, up to maxEvents at a time, for up to
// timeoutMillis (-1 blocks indefinitely). It retries on EINTR.
func (p *Poller) Wait(maxEvents int, timeoutMillis int) ([]Event, error) {
	raw := make([]unix.EpollEvent, maxEvents)
	var n int
	var err error
	for {
		n, err = unix.EpollWait(p.epfd, raw, timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, fmt.Errorf("ioloop: epoll_wait: %w", err)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{FD: int(raw[i].Fd), Mask: Readiness(raw[i].Events)}
	}
	return out, nil
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}

// OriginalDst retrieves the real destination address of a TCP connection
// that the kernel transparently redirected via iptables REDIRECT or
// TPROXY, using getsockopt(SOL_IP, SO_ORIGINAL_DST). fd must be the
// accepted connection's file descriptor, and v6 selects the IPv6 variant.
func OriginalDst(fd int, v6 bool) (*net.TCPAddr, error) {
	var raw unix.RawSockaddrAny
	size := uint32(unsafe.Sizeof(raw))

	level := uintptr(unix.SOL_IP)
	opt := uintptr(unix.SO_ORIGINAL_DST)
	if v6 {
		level = uintptr(unix.SOL_IPV6)
		opt = ip6tSoOriginalDst
	}

	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		level,
		opt,
		uintptr(unsafe.Pointer(&raw)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return nil, fmt.Errorf("ioloop: getsockopt(SO_ORIGINAL_DST): %w", errno)
	}

	if v6 {
		sa := (*unix.RawSockaddrInet6)(unsafe.Pointer(&raw))
		return &net.TCPAddr{
			IP:   net.IP(sa.Addr[:]),
			Port: int(sa.Port>>8) | int(sa.Port&0xff)<<8,
		}, nil
	}
	sa := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw))
	return &net.TCPAddr{
		IP:   net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]),
		Port: int(sa.Port>>8) | int(sa.Port&0xff)<<8,
	}, nil
}

// SetTransparent marks a UDP socket IP_TRANSPARENT, allowing it to bind
// and send from an address it does not itself own — used for the UDP
// return socket that must spoof the original destination as its source.
func SetTransparent(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
		return fmt.Errorf("ioloop: setsockopt(IP_TRANSPARENT): %w", err)
	}
	return nil
}

// SetReuseAddr sets SO_REUSEADDR, mirrored from every socket construction
// path in the handler layer that expects to rebind quickly after restart.
func SetReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("ioloop: setsockopt(SO_REUSEADDR): %w", err)
	}
	return nil
}

// SetNoDelay sets TCP_NODELAY, mirrored from the remote-connection setup
// path so proxied writes aren't held back by Nagle's algorithm.
func SetNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("ioloop: setsockopt(TCP_NODELAY): %w", err)
	}
	return nil
}
