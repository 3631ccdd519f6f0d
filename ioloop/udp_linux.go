//go:build linux

package ioloop

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// SetRecvOrigDst enables IP_RECVORIGDSTADDR, the UDP counterpart of
// SO_ORIGINAL_DST: a transparently bound listening socket receives the
// real pre-redirection destination of each datagram as a control message
// rather than via getsockopt, since UDP has no per-connection socket to
// query it from.
func SetRecvOrigDst(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1); err != nil {
		return fmt.Errorf("ioloop: setsockopt(IP_RECVORIGDSTADDR): %w", err)
	}
	return nil
}

// RecvfromOrigDst reads one datagram from fd along with the sender
// address and the original (pre-redirection) destination address carried
// in the IP_ORIGDSTADDR control message. fd must have SetRecvOrigDst
// applied and be bound transparently.
func RecvfromOrigDst(fd int, buf []byte) (n int, from *net.UDPAddr, orig *net.UDPAddr, err error) {
	oob := make([]byte, 128)
	n, oobn, _, from4, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return 0, nil, nil, err
	}
	from = sockaddrToUDPAddr(from4)

	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return n, from, nil, fmt.Errorf("ioloop: parse cmsg: %w", err)
	}
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_IP || m.Header.Type != unix.IP_ORIGDSTADDR {
			continue
		}
		sa, err := unix.ParseOrigDstAddr(&m)
		if err != nil {
			continue
		}
		orig = sockaddrToUDPAddr(sa)
	}
	return n, from, orig, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append(net.IP{}, v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
