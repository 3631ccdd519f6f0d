//go:build linux

package handler

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/cryptor"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/wire"
)

// Buffer sizes from spec.md §6: reading at the local socket uses 16 KiB
// on the local role (the upstream direction) and 32 KiB on the remote
// role (the downstream direction, since the remote's "local socket" is
// its connection to the tunnel peer).
const (
	localReadBufLocal  = 16 * 1024
	localReadBufRemote = 32 * 1024
	remoteReadBuf      = 32 * 1024
)

// TCPHandler relays one accepted TCP flow between a kernel-redirected (or
// tunnel) socket and an upstream peer, per spec.md §4.3.
type TCPHandler struct {
	role Role

	poller ioloop.Multiplexer
	reg    registry.Registry
	log    *obslog.Logger

	localFD  int
	remoteFD int // -1 until the remote connection exists

	upstreamStatus   Status
	downstreamStatus Status

	pendingToRemote []byte
	pendingToLocal  []byte

	destKnown   bool
	destAddr    wire.DestAddr // wire-level destination: the original intercepted target (local role) or the upstream parsed from the first frame (remote role)
	connectAddr wire.DestAddr // who createRemoteSocket actually dials: the tunnel server (local role) or destAddr (remote role)

	iv                  []byte
	flowCryptor         *cryptor.Cryptor
	firstFrameProcessed bool

	ivCryptor *cryptor.Cryptor
	frameCfg  wire.FirstFrameConfig

	destroyed bool
}

// NewLocal constructs a TCPHandler for the client-side redirector role.
// destAddr is the original pre-redirection destination, already retrieved
// via ioloop.OriginalDst by the accept loop, and travels to the remote
// peer inside the first frame's wire envelope. tunnelAddr is what this
// handler's remote socket actually dials: the tunnel server, not destAddr
// itself — only the remote role connects directly to destAddr.
func NewLocal(localFD int, destAddr, tunnelAddr wire.DestAddr, ivCryptor *cryptor.Cryptor, frameCfg wire.FirstFrameConfig, poller ioloop.Multiplexer, reg registry.Registry, log *obslog.Logger) *TCPHandler {
	h := &TCPHandler{
		role:        RoleLocal,
		poller:      poller,
		reg:         reg,
		log:         log,
		localFD:     localFD,
		remoteFD:    -1,
		destKnown:   true,
		destAddr:    destAddr,
		connectAddr: tunnelAddr,
		ivCryptor:   ivCryptor,
		frameCfg:    frameCfg,
	}
	h.upstreamStatus = StatusReading
	h.downstreamStatus = StatusInit
	h.register()
	return h
}

// NewRemote constructs a TCPHandler for the server-side exit role.
// localFD is the accepted connection from the local-role peer; the
// destination is unknown until the first frame is parsed.
func NewRemote(localFD int, ivCryptor *cryptor.Cryptor, frameCfg wire.FirstFrameConfig, poller ioloop.Multiplexer, reg registry.Registry, log *obslog.Logger) *TCPHandler {
	h := &TCPHandler{
		role:      RoleRemote,
		poller:    poller,
		reg:       reg,
		log:       log,
		localFD:   localFD,
		remoteFD:  -1,
		ivCryptor: ivCryptor,
		frameCfg:  frameCfg,
	}
	h.upstreamStatus = StatusReading
	h.downstreamStatus = StatusInit
	h.register()
	return h
}

func (h *TCPHandler) register() {
	h.reg.AddByFD(h.localFD, h)
	_ = h.poller.Add(h.localFD, localMask(h.upstreamStatus, h.downstreamStatus))
}

// updateMasks re-registers both sockets' event masks after any direction
// status change, per spec.md §4.3.
func (h *TCPHandler) updateMasks() {
	if h.destroyed {
		return
	}
	_ = h.poller.Modify(h.localFD, localMask(h.upstreamStatus, h.downstreamStatus))
	if h.remoteFD >= 0 {
		_ = h.poller.Modify(h.remoteFD, remoteMask(h.upstreamStatus, h.downstreamStatus))
	}
}

// HandleEvent dispatches one readiness notification. Hangup and error are
// tested before readability/writability — preserving the source's
// ordering so a simultaneous hangup-plus-data event destroys the handler
// before a read is attempted (spec.md §9 Open Question).
func (h *TCPHandler) HandleEvent(fd int, mask ioloop.Readiness) {
	if h.destroyed {
		return
	}
	isLocal := fd == h.localFD

	if mask&ioloop.ReadinessHup != 0 {
		if isLocal {
			h.onLocalDisconnect()
		} else {
			h.onRemoteDisconnect()
		}
		return
	}
	if mask&ioloop.ReadinessErr != 0 {
		if isLocal {
			h.onLocalError()
		} else {
			h.onRemoteError()
		}
		return
	}
	if mask&ioloop.ReadinessRead != 0 {
		if isLocal {
			h.OnLocalRead()
		} else {
			h.OnRemoteRead()
		}
		if h.destroyed {
			return
		}
	}
	if mask&ioloop.ReadinessWrite != 0 {
		if isLocal {
			h.OnLocalWrite()
		} else {
			h.OnRemoteWrite()
		}
	}
}

func localReadBufSize(role Role) int {
	if role == RoleLocal {
		return localReadBufLocal
	}
	return localReadBufRemote
}

// OnLocalRead implements spec.md §4.3's on_local_read.
func (h *TCPHandler) OnLocalRead() {
	if h.destroyed {
		return
	}

	buf := make([]byte, localReadBufSize(h.role))
	n, err := unix.Read(h.localFD, buf)
	if err != nil {
		if isWouldBlock(err) {
			return
		}
		h.destroy("local read error: " + err.Error())
		return
	}
	if n == 0 {
		h.destroy("local EOF")
		return
	}
	data := buf[:n]

	var out []byte
	if h.role == RoleLocal {
		if !h.firstFrameProcessed {
			iv := make([]byte, wire.IVSize)
			if _, err := cryptorRandRead(iv); err != nil {
				h.destroy("iv generation failed: " + err.Error())
				return
			}
			fc, err := cryptor.New(h.frameCfg.CipherName, h.frameCfg.Passwd, iv)
			if err != nil {
				h.destroy("flow cryptor construction failed: " + err.Error())
				return
			}
			h.iv = iv
			h.flowCryptor = fc
			out = wire.MakeTCPFirstPacket(data, h.destAddr, iv, fc, h.ivCryptor)
			h.firstFrameProcessed = true
		} else {
			out = h.flowCryptor.Encrypt(data)
		}
	} else {
		if !h.firstFrameProcessed {
			parsed := wire.ParseTCPFirstPacket(data, h.ivCryptor, h.frameCfg)
			if !parsed.Valid {
				h.destroy("invalid first frame")
				return
			}
			h.destAddr = parsed.DestAF
			h.connectAddr = parsed.DestAF
			h.destKnown = true
			h.iv = parsed.IV
			h.flowCryptor = parsed.Cryptor
			h.firstFrameProcessed = true
			out = parsed.Data
		} else {
			out = h.flowCryptor.Decrypt(data)
		}
	}

	h.pendingToRemote = append(h.pendingToRemote, out...)

	if h.remoteFD < 0 {
		if h.role == RoleLocal && !h.destKnown {
			h.destroy(ErrConfigMissing.Error())
			return
		}
		if h.role == RoleRemote && !h.destKnown {
			h.destroy("no destination to connect to")
			return
		}
		if err := h.createRemoteSocket(); err != nil {
			h.destroy("remote connect failed: " + err.Error())
			return
		}
		h.upstreamStatus = StatusReadWriting
		h.downstreamStatus = StatusReading
		h.updateMasks()
		return
	}
	h.OnRemoteWrite()
}

func (h *TCPHandler) createRemoteSocket() error {
	family := unix.AF_INET
	if h.connectAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := ioloop.SetReuseAddr(fd); err != nil {
		unix.Close(fd)
		return err
	}
	if err := ioloop.SetNoDelay(fd); err != nil {
		unix.Close(fd)
		return err
	}

	var bindAddr unix.Sockaddr
	if family == unix.AF_INET {
		bindAddr = &unix.SockaddrInet4{Port: 0}
	} else {
		bindAddr = &unix.SockaddrInet6{Port: 0}
	}
	if err := unix.Bind(fd, bindAddr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind: %w", err)
	}

	var sockAddr unix.Sockaddr
	if family == unix.AF_INET {
		var ip [4]byte
		copy(ip[:], h.connectAddr.IP.To4())
		sockAddr = &unix.SockaddrInet4{Port: h.connectAddr.Port, Addr: ip}
	} else {
		var ip [16]byte
		copy(ip[:], h.connectAddr.IP.To16())
		sockAddr = &unix.SockaddrInet6{Port: h.connectAddr.Port, Addr: ip}
	}
	err = unix.Connect(fd, sockAddr)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return fmt.Errorf("connect: %w", err)
	}

	h.remoteFD = fd
	h.reg.AddByFD(fd, h)
	return h.poller.Add(fd, remoteMask(h.upstreamStatus, h.downstreamStatus))
}

// OnRemoteWrite implements spec.md §4.3's on_remote_write.
func (h *TCPHandler) OnRemoteWrite() {
	if h.destroyed || h.remoteFD < 0 {
		return
	}
	if len(h.pendingToRemote) > 0 {
		h.writeToSock(h.pendingToRemote, h.remoteFD, &h.pendingToRemote, &h.upstreamStatus)
		return
	}
	h.upstreamStatus = StatusReading
	h.updateMasks()
}

// OnRemoteRead implements spec.md §4.3's on_remote_read.
func (h *TCPHandler) OnRemoteRead() {
	if h.destroyed || h.remoteFD < 0 {
		return
	}
	buf := make([]byte, remoteReadBuf)
	n, err := unix.Read(h.remoteFD, buf)
	if err != nil {
		if isWouldBlock(err) {
			return
		}
		h.destroy("remote read error: " + err.Error())
		return
	}
	if n == 0 {
		h.destroy("remote EOF")
		return
	}
	data := buf[:n]
	var out []byte
	if h.role == RoleLocal {
		out = h.flowCryptor.Decrypt(data)
	} else {
		out = h.flowCryptor.Encrypt(data)
	}
	h.pendingToLocal = append(h.pendingToLocal, out...)
	h.OnLocalWrite()
}

// OnLocalWrite implements spec.md §4.3's on_local_write (symmetric to
// on_remote_write).
func (h *TCPHandler) OnLocalWrite() {
	if h.destroyed {
		return
	}
	if len(h.pendingToLocal) > 0 {
		h.writeToSock(h.pendingToLocal, h.localFD, &h.pendingToLocal, &h.downstreamStatus)
		return
	}
	h.downstreamStatus = StatusReading
	h.updateMasks()
}

// writeToSock attempts a single send; on partial write or EAGAIN it
// buffers the remainder and marks the direction WRITING, otherwise marks
// it READING, per spec.md's write_to_sock.
func (h *TCPHandler) writeToSock(data []byte, fd int, pending *[]byte, status *Status) {
	n, err := unix.Write(fd, data)
	if err != nil {
		if isWouldBlock(err) {
			*pending = append([]byte{}, data...)
			*status = StatusWriting
			h.updateMasks()
			return
		}
		h.destroy("write error: " + err.Error())
		return
	}
	if n < len(data) {
		*pending = append([]byte{}, data[n:]...)
		*status = StatusWriting
		h.updateMasks()
		return
	}
	*pending = (*pending)[:0]
	*status = StatusReading
	h.updateMasks()
}

func (h *TCPHandler) onLocalDisconnect()  { h.destroy("local disconnect") }
func (h *TCPHandler) onRemoteDisconnect() { h.destroy("remote disconnect") }
func (h *TCPHandler) onLocalError()       { h.destroy("local socket error") }
func (h *TCPHandler) onRemoteError()      { h.destroy("remote socket error") }

// Destroy is the idempotent teardown entry point, safe to call from
// within any callback.
func (h *TCPHandler) Destroy() { h.destroy("explicit destroy") }

func (h *TCPHandler) destroy(reason string) {
	if h.destroyed {
		if h.log != nil {
			h.log.Warn("destroy called twice", obslog.Fields{"reason": reason})
		}
		return
	}
	h.destroyed = true

	_ = h.poller.Remove(h.localFD)
	h.reg.RemoveByFD(h.localFD)
	unix.Close(h.localFD)

	if h.remoteFD >= 0 {
		_ = h.poller.Remove(h.remoteFD)
		h.reg.RemoveByFD(h.remoteFD)
		unix.Close(h.remoteFD)
		h.remoteFD = -1
	}

	if h.log != nil {
		h.log.Debug("tcp handler destroyed", obslog.Fields{"reason": reason})
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.ETIMEDOUT)
}

// cryptorRandRead is a package-level indirection over crypto/rand so
// tests can substitute a deterministic IV source without touching the OS
// RNG.
var cryptorRandRead = rand.Read
