//go:build linux

// Package server is the concrete realization of spec.md §2 item 8,
// "Server/Registry glue": it owns the epoll instance, the listening
// sockets, the three-key handler registry, and the shared collaborators
// (IVCryptor, IVExclusion, MultiTransmit) that every handler is
// constructed with. None of this package's code makes protocol
// decisions — it only routes readiness events to the handler that owns
// each file descriptor and, for the two shared ingress sockets, performs
// the lookup-or-create step that turns a raw datagram into a flow.
package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/config"
	"github.com/ir-tunnel/ir/cryptor"
	"github.com/ir-tunnel/ir/dedup"
	"github.com/ir-tunnel/ir/handler"
	"github.com/ir-tunnel/ir/internal/obslog"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/rotation"
	"github.com/ir-tunnel/ir/wire"
)

// defaultIVCryptorIV is a fixed, all-zero IV for the long-lived IV-cryptor.
// Its key material is derived from cipherName+passwd via HKDF, so a
// constant IV does not reduce security the way it would for a
// general-purpose stream: this cryptor only ever protects 32-byte IV
// envelopes, one per TCP flow, and is never reused to protect payload
// bytes directly.
var defaultIVCryptorIV = make([]byte, wire.IVSize)

// Server drives one role-instance's event loop.
type Server struct {
	role handler.Role
	cfg  *config.Config
	log  *obslog.Logger

	poller *ioloop.Poller
	reg    *registry.Local
	dist   *registry.Distributed

	ivCryptor  *cryptor.Cryptor
	excl       *rotation.Excl
	mth        *dedup.MultiTransmit
	frameCfg   wire.FirstFrameConfig
	ivRateCeil int

	tcpListenFD int
	udpSockFD   int

	idleTimeout int
	workerID    string
}

func newServer(role handler.Role, cfg *config.Config, log *obslog.Logger) (*Server, error) {
	defaultCryptor, err := cryptor.New(cfg.CipherName, cfg.Passwd, defaultIVCryptorIV)
	if err != nil {
		return nil, fmt.Errorf("server: default cryptor: %w", err)
	}
	ivCryptor, err := cryptor.New(cfg.CipherName, cfg.Passwd, defaultIVCryptorIV)
	if err != nil {
		return nil, fmt.Errorf("server: iv cryptor: %w", err)
	}
	poller, err := ioloop.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	host, _ := os.Hostname()

	s := &Server{
		role:   role,
		cfg:    cfg,
		log:    log,
		poller: poller,
		reg:    registry.New(),
		dist:   registry.NewDistributed(cfg.Distributed.Addr, cfg.Distributed.DB, "ir-tunnel", 2*time.Minute),
		excl:   rotation.New(role == handler.RoleLocal, cfg.CipherName, cfg.Passwd, defaultCryptor),
		frameCfg: wire.FirstFrameConfig{
			CipherName: cfg.CipherName,
			Passwd:     cfg.Passwd,
		},
		ivRateCeil:  ivChangeRateCeil(cfg.UDPIVChangeRate),
		ivCryptor:   ivCryptor,
		tcpListenFD: -1,
		udpSockFD:   -1,
		idleTimeout: cfg.UDPIdleTimeout,
		workerID:    fmt.Sprintf("%s:%d", host, os.Getpid()),
	}

	if cfg.MultiTransmitEnabled() {
		peers, err := peerAddrsFromConfig(cfg.UDPMultiRemote)
		if err != nil {
			return nil, err
		}
		s.mth = dedup.NewMultiTransmit(peers, cfg.UDPMultiTransmitTimes, cfg.UDPMultiTransmitMaxCache, cfg.UDPMultiTransmitMaxCache, log)
	}

	return s, nil
}

// NewLocal builds a fully wired Server for the client-side redirector
// role: it validates the configuration, opens the transparently-redirected
// TCP and UDP ingress sockets, and registers them with the poller.
func NewLocal(cfg *config.Config, log *obslog.Logger) (*Server, error) {
	if err := cfg.ValidateLocal(); err != nil {
		return nil, err
	}
	s, err := newServer(handler.RoleLocal, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := s.listenTCP(cfg.Listen.TCPAddr); err != nil {
		return nil, err
	}
	if err := s.listenUDPLocal(cfg.Listen.UDPAddr); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRemote builds a fully wired Server for the server-side exit role: it
// listens for tunnel-peer TCP connections and the shared tunnel UDP
// socket that every peer's datagrams arrive on.
func NewRemote(cfg *config.Config, log *obslog.Logger) (*Server, error) {
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	s, err := newServer(handler.RoleRemote, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := s.listenTCP(cfg.Listen.TCPAddr); err != nil {
		return nil, err
	}
	if err := s.listenUDPRemote(cfg.Listen.UDPAddr); err != nil {
		return nil, err
	}
	return s, nil
}

// ivChangeRateCeil converts the configured per-packet rotation probability
// into the integer ceiling ShouldPropose expects: N = ceil(1/rate), which
// ShouldPropose turns into a 1-in-(N+1) coin flip. A non-positive rate
// disables proposals by returning 0: ShouldPropose then proposes only on
// first use, while the default IV has never been changed, and never again.
func ivChangeRateCeil(rate float64) int {
	if rate <= 0 {
		return 0
	}
	n := int(math.Ceil(1.0 / rate))
	if n < 1 {
		n = 1
	}
	return n
}

func peerAddrsFromConfig(m map[string]int) ([]*net.UDPAddr, error) {
	addrs := make([]*net.UDPAddr, 0, len(m))
	for host, port := range m {
		a, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			return nil, fmt.Errorf("server: udp_multi_remote entry %q: %w", host, err)
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// Run drives the event loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.poller.Close()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweepIdleUDP()
		default:
		}

		events, err := s.poller.Wait(128, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("server: poll: %w", err)
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
	}
}

func (s *Server) dispatch(ev ioloop.Event) {
	if ev.FD == s.tcpListenFD {
		s.acceptTCP()
		return
	}
	if ev.FD == s.udpSockFD {
		s.recvSharedUDP()
		return
	}

	h, ok := s.reg.LookupByFD(ev.FD)
	if !ok {
		return
	}
	switch v := h.(type) {
	case *handler.TCPHandler:
		v.HandleEvent(ev.FD, ev.Mask)
	case *handler.UDPHandler:
		s.dispatchUDPHandler(v, ev)
	}
}

func (s *Server) dispatchUDPHandler(v *handler.UDPHandler, ev ioloop.Event) {
	if ev.Mask&(ioloop.ReadinessHup|ioloop.ReadinessErr) != 0 {
		v.Destroy()
		return
	}
	if ev.Mask&ioloop.ReadinessRead == 0 {
		return
	}
	buf := make([]byte, handler.UDPReadBufSize)
	n, _, err := unix.Recvfrom(ev.FD, buf, 0)
	if err != nil {
		return
	}
	v.HandleRemoteResp(buf[:n])
}

func (s *Server) udpHandlerFor(key registry.FlowKey) (*handler.UDPHandler, bool) {
	v, ok := s.reg.LookupByKey(key)
	if !ok {
		return nil, false
	}
	h, ok := v.(*handler.UDPHandler)
	return h, ok
}

// announceFlow records a newly created UDP flow's ownership in the
// distributed registry, a no-op when it is disabled.
func (s *Server) announceFlow(ctx context.Context, key registry.FlowKey) {
	_ = s.dist.AnnounceKey(ctx, key, s.workerID)
}

func (s *Server) sweepIdleUDP() {
	cutoff := time.Duration(s.idleTimeout) * time.Second
	now := time.Now()
	for _, v := range s.reg.KeyValues() {
		h, ok := v.(*handler.UDPHandler)
		if !ok {
			continue
		}
		if now.Sub(h.LastCallTime()) > cutoff {
			h.Destroy()
		}
	}
}

// Close releases the listening sockets and the distributed registry
// client, if any.
func (s *Server) Close() error {
	if s.tcpListenFD >= 0 {
		unix.Close(s.tcpListenFD)
	}
	if s.udpSockFD >= 0 {
		unix.Close(s.udpSockFD)
	}
	return s.dist.Close()
}
