//go:build linux

package server

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/handler"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/wire"
)

// listenTCP binds, listens, and registers the TCP socket: kernel-redirected
// ingress traffic for the local role, tunnel-peer connections for the
// remote role.
func (s *Server) listenTCP(addr string) error {
	fd, err := bindListenSocket(unix.SOCK_STREAM, addr, false)
	if err != nil {
		return err
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return fmt.Errorf("server: listen: %w", err)
	}
	s.tcpListenFD = fd
	return s.poller.Add(fd, ioloop.ReadinessRead|ioloop.ReadinessErr)
}

func bindListenSocket(sockType int, addr string, transparent bool) (int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, fmt.Errorf("server: resolve %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	family := unix.AF_INET
	if ip != nil && ip.To4() == nil {
		family = unix.AF_INET6
	}
	portNum, err := parsePort(port)
	if err != nil {
		return -1, fmt.Errorf("server: resolve %q: %w", addr, err)
	}

	fd, err := unix.Socket(family, sockType|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	if err := ioloop.SetReuseAddr(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if transparent {
		if err := ioloop.SetTransparent(fd); err != nil {
			unix.Close(fd)
			return -1, err
		}
	}

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		var ipArr [4]byte
		if ip != nil {
			copy(ipArr[:], ip.To4())
		}
		sa = &unix.SockaddrInet4{Port: portNum, Addr: ipArr}
	} else {
		var ipArr [16]byte
		if ip != nil {
			copy(ipArr[:], ip.To16())
		}
		sa = &unix.SockaddrInet6{Port: portNum, Addr: ipArr}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("server: bind %q: %w", addr, err)
	}
	return fd, nil
}

func parsePort(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// acceptTCP drains every pending connection on the edge-triggered listen
// socket.
func (s *Server) acceptTCP() {
	for {
		fd, _, err := unix.Accept4(s.tcpListenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			return
		}
		if s.role == handler.RoleLocal {
			s.acceptTCPLocal(fd)
		} else {
			s.acceptTCPRemote(fd)
		}
	}
}

func (s *Server) acceptTCPLocal(fd int) {
	dst, err := ioloop.OriginalDst(fd, false)
	if err != nil {
		dst, err = ioloop.OriginalDst(fd, true)
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("original destination lookup failed", obslog.Fields{"error": err.Error()})
		}
		unix.Close(fd)
		return
	}
	tunnelAddr, err := s.tunnelTCPWireAddr()
	if err != nil {
		if s.log != nil {
			s.log.Warn("tunnel server address unresolved", obslog.Fields{"error": err.Error()})
		}
		unix.Close(fd)
		return
	}
	destAddr := wire.DestAddr{IP: dst.IP, Port: dst.Port}
	handler.NewLocal(fd, destAddr, tunnelAddr, s.ivCryptor, s.frameCfg, s.poller, s.reg, s.log)
}

func (s *Server) acceptTCPRemote(fd int) {
	handler.NewRemote(fd, s.ivCryptor, s.frameCfg, s.poller, s.reg, s.log)
}

func (s *Server) tunnelTCPWireAddr() (wire.DestAddr, error) {
	ip, err := resolveIP(s.cfg.ServerAddr)
	if err != nil {
		return wire.DestAddr{}, err
	}
	return wire.DestAddr{IP: ip, Port: s.cfg.ServerTCPPort}, nil
}

func resolveIP(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	return ips[0], nil
}
