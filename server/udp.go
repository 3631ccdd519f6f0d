//go:build linux

package server

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/dedup"
	"github.com/ir-tunnel/ir/handler"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/wire"
)

// listenUDPLocal binds the transparently-redirected ingress socket that
// receives the protected application's outgoing UDP datagrams. Unlike the
// TCP path, UDP destination recovery needs IP_RECVORIGDSTADDR rather than
// SO_ORIGINAL_DST, since there is no per-connection socket to query.
func (s *Server) listenUDPLocal(addr string) error {
	fd, err := bindListenSocket(unix.SOCK_DGRAM, addr, true)
	if err != nil {
		return err
	}
	if err := ioloop.SetRecvOrigDst(fd); err != nil {
		unix.Close(fd)
		return err
	}
	s.udpSockFD = fd
	return s.poller.Add(fd, ioloop.ReadinessRead|ioloop.ReadinessErr)
}

// listenUDPRemote binds the single shared socket every tunnel peer's UDP
// traffic arrives on.
func (s *Server) listenUDPRemote(addr string) error {
	fd, err := bindListenSocket(unix.SOCK_DGRAM, addr, false)
	if err != nil {
		return err
	}
	s.udpSockFD = fd
	return s.poller.Add(fd, ioloop.ReadinessRead|ioloop.ReadinessErr)
}

func (s *Server) recvSharedUDP() {
	if s.role == handler.RoleLocal {
		s.recvSharedUDPLocal()
	} else {
		s.recvSharedUDPRemote()
	}
}

// recvSharedUDPLocal reads datagrams from the protected application,
// recovering each one's pre-redirection destination, and routes it to the
// per-source UDPHandler (creating one on first sight of that source).
func (s *Server) recvSharedUDPLocal() {
	buf := make([]byte, handler.UDPReadBufSize)
	for {
		n, from, orig, err := ioloop.RecvfromOrigDst(s.udpSockFD, buf)
		if err != nil {
			return
		}
		if from == nil || orig == nil {
			continue
		}
		key := registry.KeyFor(from)
		h, ok := s.udpHandlerFor(key)
		if !ok {
			serverAddr, err := s.tunnelUDPAddr()
			if err != nil {
				if s.log != nil {
					s.log.Warn("tunnel udp address unresolved", obslog.Fields{"error": err.Error()})
				}
				continue
			}
			h, err = handler.NewLocal(from, orig, serverAddr, s.excl, s.mth, s.cfg.CipherName, s.cfg.Passwd, s.ivRateCeil, s.poller, s.reg, s.log)
			if err != nil {
				if s.log != nil {
					s.log.Warn("udp handler construction failed", obslog.Fields{"error": err.Error()})
				}
				continue
			}
			s.announceFlow(context.Background(), key)
		}
		data := append([]byte(nil), buf[:n]...)
		if err := h.HandleLocalRecv(data); err != nil && s.log != nil {
			s.log.Debug("udp local recv failed", obslog.Fields{"error": err.Error()})
		}
	}
}

// recvSharedUDPRemote reads tunnel-protocol datagrams from every local-role
// peer on the one shared socket, authenticates and decrypts them under the
// role-wide rotation state, and routes the plaintext to the per-source
// UDPHandler that forwards it to the real destination.
func (s *Server) recvSharedUDPRemote() {
	buf := make([]byte, handler.UDPReadBufSize)
	sender := &sharedUDPSocket{fd: s.udpSockFD}
	for {
		n, rawFrom, err := unix.Recvfrom(s.udpSockFD, buf, 0)
		if err != nil {
			return
		}
		from := sockaddrToUDPAddr(rawFrom)
		if from == nil {
			continue
		}
		data := append([]byte(nil), buf[:n]...)

		c := s.excl.CurrentCryptor()
		parsed := wire.ParseUDPPacket(c, data)
		used := c
		if !parsed.Valid {
			if old := s.excl.OldCryptor(); old != nil {
				parsed = wire.ParseUDPPacket(old, data)
				used = old
			}
		}
		if !parsed.Valid {
			if s.log != nil {
				s.log.Info("dropping invalid udp from tunnel peer", obslog.Fields{"src": from.String()})
			}
			continue
		}
		if s.mth != nil {
			if s.mth.HandleRecv(dedup.ParsedPacket{Serial: parsed.Serial, MAC: parsed.MAC}) {
				continue
			}
		}
		decryptedByNC := used == s.excl.NCInProgress()
		_ = s.excl.ManageIV(parsed.IV, decryptedByNC)

		key := registry.KeyFor(from)
		h, ok := s.udpHandlerFor(key)
		if !ok {
			destAddr := &net.UDPAddr{IP: parsed.Dest.IP, Port: parsed.Dest.Port}
			h, err = handler.NewRemote(from, destAddr, sender, uint16(from.Port), s.excl, s.mth, s.cfg.CipherName, s.cfg.Passwd, s.poller, s.reg, s.log)
			if err != nil {
				if s.log != nil {
					s.log.Warn("udp handler construction failed", obslog.Fields{"error": err.Error()})
				}
				continue
			}
			s.announceFlow(context.Background(), key)
		}
		if err := h.HandleLocalRecv(parsed.Data); err != nil && s.log != nil {
			s.log.Debug("udp forward failed", obslog.Fields{"error": err.Error()})
		}
	}
}

func (s *Server) tunnelUDPAddr() (*net.UDPAddr, error) {
	ip, err := resolveIP(s.cfg.ServerAddr)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: s.cfg.ServerUDPPort}, nil
}

// sharedUDPSocket adapts the remote role's single shared listening socket
// to dedup.PacketSender, so MultiTransmit and single-destination sends can
// target any recorded tunnel peer without the per-flow UDPHandler owning
// its own reply socket.
type sharedUDPSocket struct{ fd int }

func (s *sharedUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	sa, err := sockaddrForAddr(addr)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		return 0, err
	}
	return len(b), nil
}

func sockaddrForAddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if v4 := addr.IP.To4(); v4 != nil {
		var ip [4]byte
		copy(ip[:], v4)
		return &unix.SockaddrInet4{Port: addr.Port, Addr: ip}, nil
	}
	v6 := addr.IP.To16()
	if v6 == nil {
		return nil, fmt.Errorf("server: invalid udp address %v", addr)
	}
	var ip [16]byte
	copy(ip[:], v6)
	return &unix.SockaddrInet6{Port: addr.Port, Addr: ip}, nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IPv4(v.Addr[0], v.Addr[1], v.Addr[2], v.Addr[3]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
