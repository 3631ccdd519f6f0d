//go:build linux

package handler

import (
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/dedup"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/rotation"
	"github.com/ir-tunnel/ir/wire"
)

// UDPReadBufSize is the UDP datagram buffer size from spec.md §6.
const UDPReadBufSize = 64 * 1024

// rawUDPSocket adapts a raw, unconnected UDP file descriptor to
// dedup.PacketSender so MultiTransmit (and the single-peer path) can send
// to an arbitrary destination per call.
type rawUDPSocket struct{ fd int }

func (s *rawUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	sa, err := sockaddrFor(addr)
	if err != nil {
		return 0, err
	}
	if err := unix.Sendto(s.fd, b, 0, sa); err != nil {
		return 0, err
	}
	return len(b), nil
}

func sockaddrFor(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if v4 := addr.IP.To4(); v4 != nil {
		var ip [4]byte
		copy(ip[:], v4)
		return &unix.SockaddrInet4{Port: addr.Port, Addr: ip}, nil
	}
	v6 := addr.IP.To16()
	if v6 == nil {
		return nil, fmt.Errorf("handler: invalid udp address %v", addr)
	}
	var ip [16]byte
	copy(ip[:], v6)
	return &unix.SockaddrInet6{Port: addr.Port, Addr: ip}, nil
}

func newRawUDPSocket(transparent bool, bindAddr *net.UDPAddr) (int, error) {
	family := unix.AF_INET
	if bindAddr != nil && bindAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
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
	if bindAddr != nil {
		sa, err := sockaddrFor(bindAddr)
		if err != nil {
			unix.Close(fd)
			return -1, err
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("bind: %w", err)
		}
	}
	return fd, nil
}

// UDPHandler relays datagrams for one source flow, per spec.md §4.4.
type UDPHandler struct {
	role Role

	poller ioloop.Multiplexer
	reg    registry.Registry
	log    *obslog.Logger

	excl *rotation.Excl
	mth  *dedup.MultiTransmit

	cipherName, passwd string
	ivChangeRateCeil   int
	rnd                func(n int) int

	// srcAddr is the application's address (local role) or the recorded
	// tunnel peer address a request arrived from (remote role).
	srcAddr *net.UDPAddr
	// destAddr is the real upstream destination (remote role), or the
	// tunnel/server address the local role's client socket sends to.
	destAddr *net.UDPAddr

	clientFD int
	clientSk *rawUDPSocket

	returnFD int // local role only, -1 otherwise
	returnSk *rawUDPSocket

	serverSock dedup.PacketSender // remote role only: the shared tunnel-facing socket
	altSources []*net.UDPAddr     // remote + multi-transmit
	srcPort    uint16

	key registry.FlowKey

	lastCallTime time.Time
	destroyed    bool
}

// NewLocal constructs a UDPHandler for the client-side redirector: it
// owns a socket toward the tunnel server and a transparent-bound return
// socket toward the application.
func NewLocal(srcAddr, destAddr, serverAddr *net.UDPAddr, excl *rotation.Excl, mth *dedup.MultiTransmit, cipherName, passwd string, ivChangeRateCeil int, poller ioloop.Multiplexer, reg registry.Registry, log *obslog.Logger) (*UDPHandler, error) {
	clientFD, err := newRawUDPSocket(false, nil)
	if err != nil {
		return nil, fmt.Errorf("udp client socket: %w", err)
	}
	returnFD, err := newRawUDPSocket(true, destAddr)
	if err != nil {
		unix.Close(clientFD)
		return nil, fmt.Errorf("udp return socket: %w", err)
	}

	h := &UDPHandler{
		role:             RoleLocal,
		poller:           poller,
		reg:              reg,
		log:              log,
		excl:             excl,
		mth:              mth,
		cipherName:       cipherName,
		passwd:           passwd,
		ivChangeRateCeil: ivChangeRateCeil,
		rnd:              defaultRandIntn,
		srcAddr:          srcAddr,
		destAddr:         serverAddr,
		clientFD:         clientFD,
		clientSk:         &rawUDPSocket{fd: clientFD},
		returnFD:         returnFD,
		returnSk:         &rawUDPSocket{fd: returnFD},
		key:              registry.KeyFor(srcAddr),
		lastCallTime:     timeNow(),
	}
	h.reg.AddByFD(clientFD, h)
	h.reg.AddByKey(h.key, h)
	_ = h.poller.Add(clientFD, ioloop.ReadinessRead|ioloop.ReadinessHup|ioloop.ReadinessErr)
	return h, nil
}

// NewRemote constructs a UDPHandler for the server-side exit: it owns a
// socket toward the real destination and replies back over the shared
// tunnel-facing serverSock (not owned by the handler).
func NewRemote(srcAddr, destAddr *net.UDPAddr, serverSock dedup.PacketSender, srcPort uint16, excl *rotation.Excl, mth *dedup.MultiTransmit, cipherName, passwd string, poller ioloop.Multiplexer, reg registry.Registry, log *obslog.Logger) (*UDPHandler, error) {
	clientFD, err := newRawUDPSocket(false, nil)
	if err != nil {
		return nil, fmt.Errorf("udp client socket: %w", err)
	}

	h := &UDPHandler{
		role:         RoleRemote,
		poller:       poller,
		reg:          reg,
		log:          log,
		excl:         excl,
		mth:          mth,
		cipherName:   cipherName,
		passwd:       passwd,
		srcAddr:      srcAddr,
		destAddr:     destAddr,
		clientFD:     clientFD,
		clientSk:     &rawUDPSocket{fd: clientFD},
		returnFD:     -1,
		serverSock:   serverSock,
		srcPort:      srcPort,
		key:          registry.KeyFor(srcAddr),
		lastCallTime: timeNow(),
	}
	h.reg.AddByFD(clientFD, h)
	h.reg.AddByKey(h.key, h)
	h.reg.AddBySrcPort(srcPort, h)
	_ = h.poller.Add(clientFD, ioloop.ReadinessRead|ioloop.ReadinessHup|ioloop.ReadinessErr)
	return h, nil
}

// HandleLocalRecv implements spec.md §4.4's handle_local_recv.
func (h *UDPHandler) HandleLocalRecv(data []byte) error {
	if h.destroyed {
		return ErrClosed
	}
	h.UpdateLastCallTime()

	if h.role == RoleRemote {
		// Already decrypted by the server glue; just forward to the real
		// destination.
		_, err := h.clientSk.WriteToUDP(data, h.destAddr)
		return err
	}

	if h.excl.ShouldPropose(h.ivChangeRateCeil, h.rnd) {
		iv := make([]byte, wire.IVSize)
		if _, err := cryptorRandRead(iv); err != nil {
			return fmt.Errorf("handler: iv generation failed: %w", err)
		}
		if err := h.excl.ManageIV(iv, false); err != nil {
			return fmt.Errorf("handler: manage_iv failed: %w", err)
		}
	}
	iv, c := h.excl.Select()

	if h.mth != nil {
		serial := h.mth.NextSerial()
		packet := wire.MakeUDPPacket(c, data, udpDestAddr(h.destAddr), iv, serial)
		h.mth.HandleLocalTransmit(packet, h.clientSk)
		return nil
	}
	packet := wire.MakeUDPPacket(c, data, udpDestAddr(h.destAddr), iv)
	_, err := h.clientSk.WriteToUDP(packet, h.destAddr)
	return err
}

// HandleRemoteResp implements spec.md §4.4's handle_remote_resp. recv is
// the raw datagram just received on the client socket.
func (h *UDPHandler) HandleRemoteResp(recv []byte) {
	if h.destroyed {
		return
	}
	h.UpdateLastCallTime()

	if h.role == RoleLocal {
		h.handleRemoteRespLocal(recv)
		return
	}
	h.handleRemoteRespRemote(recv)
}

func (h *UDPHandler) handleRemoteRespLocal(recv []byte) {
	c := h.excl.CurrentCryptor()
	parsed := wire.ParseUDPPacket(c, recv)
	usedCryptor := c
	if !parsed.Valid {
		if old := h.excl.OldCryptor(); old != nil {
			parsed = wire.ParseUDPPacket(old, recv)
			usedCryptor = old
		}
	}
	if !parsed.Valid {
		if h.log != nil {
			h.log.Info("dropping invalid udp response", obslog.Fields{"src": h.srcAddr.String()})
		}
		return
	}

	if h.mth != nil {
		if dup := h.mth.HandleRecv(dedup.ParsedPacket{Serial: parsed.Serial, MAC: parsed.MAC}); dup {
			return
		}
	}

	decryptedByNC := usedCryptor == h.excl.NCInProgress()
	_ = h.excl.ManageIV(parsed.IV, decryptedByNC)

	_, _ = h.returnSk.WriteToUDP(parsed.Data, h.srcAddr)
}

func (h *UDPHandler) handleRemoteRespRemote(data []byte) {
	iv, c := h.excl.Select()
	packet := wire.MakeUDPPacket(c, data, udpDestAddr(h.srcAddr), iv)

	destList := make([]*net.UDPAddr, 0, 1+len(h.altSources))
	destList = append(destList, h.srcAddr)
	destList = append(destList, h.altSources...)

	if h.mth != nil {
		h.mth.HandleRemoteReturn(packet, h.serverSock, destList)
		return
	}
	for _, dst := range destList {
		if _, err := h.serverSock.WriteToUDP(packet, dst); err != nil && h.log != nil {
			h.log.Debug("udp return send failed", obslog.Fields{"dst": dst.String(), "error": err.Error()})
		}
	}
}

// OneMoreSrc records an additional source address belonging to the same
// logical flow (remote role, multi-transmit): outgoing packets are
// replicated to it alongside the primary source.
func (h *UDPHandler) OneMoreSrc(src *net.UDPAddr) {
	h.altSources = append(h.altSources, src)
}

// UpdateLastCallTime touches the activity timestamp consulted by the
// server's idle sweep.
func (h *UDPHandler) UpdateLastCallTime() {
	h.lastCallTime = timeNow()
}

// LastCallTime reports the last-activity timestamp.
func (h *UDPHandler) LastCallTime() time.Time { return h.lastCallTime }

// Destroy is the idempotent teardown entry point.
func (h *UDPHandler) Destroy() { h.destroy("explicit destroy") }

func (h *UDPHandler) destroy(reason string) {
	if h.destroyed {
		if h.log != nil {
			h.log.Warn("destroy called twice", obslog.Fields{"reason": reason})
		}
		return
	}
	h.destroyed = true

	_ = h.poller.Remove(h.clientFD)
	h.reg.RemoveByFD(h.clientFD)
	h.reg.RemoveByKey(h.key)
	if h.role == RoleRemote {
		h.reg.RemoveBySrcPort(h.srcPort)
	}
	unix.Close(h.clientFD)

	if h.returnFD >= 0 {
		_ = h.poller.Remove(h.returnFD)
		unix.Close(h.returnFD)
		h.returnFD = -1
	}

	if h.log != nil {
		h.log.Debug("udp handler destroyed", obslog.Fields{"reason": reason})
	}
}

func udpDestAddr(a *net.UDPAddr) wire.DestAddr {
	return wire.DestAddr{IP: a.IP, Port: a.Port}
}

var timeNow = time.Now

// defaultRandIntn is the production source for Excl.ShouldPropose's
// coin flip. Go's rand.Intn is 0-based, unlike Python's inclusive
// randint(0, max); see SPEC_FULL.md §9 for the probability-curve note.
func defaultRandIntn(n int) int {
	return rand.Intn(n)
}
