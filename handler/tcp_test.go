package handler

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/cryptor"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/wire"
)

func testCryptor(t *testing.T) *cryptor.Cryptor {
	t.Helper()
	c, err := cryptor.New("chacha20", "shared-secret", make([]byte, wire.IVSize))
	if err != nil {
		t.Fatalf("cryptor.New: %v", err)
	}
	return c
}

func mustSocketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	return fds[0], fds[1]
}

// TestTCPHandlerFirstFrameRoundTrip (S1) drives a local-role handler
// through its first read: it must dial connectAddr (the tunnel server),
// not destAddr (the intercepted application destination), and the bytes
// that arrive there must decode back to the original destination and
// payload.
func TestTCPHandlerFirstFrameRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- accepted{c, err}
	}()

	localFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)

	tunnelPort := ln.Addr().(*net.TCPAddr).Port
	destAddr := wire.DestAddr{IP: net.ParseIP("93.184.216.34"), Port: 443}
	tunnelAddr := wire.DestAddr{IP: net.ParseIP("127.0.0.1"), Port: tunnelPort}

	ivCryptor := testCryptor(t)
	frameCfg := wire.FirstFrameConfig{CipherName: "chacha20", Passwd: "shared-secret"}
	poller := ioloop.NewFake()
	reg := registry.New()

	h := NewLocal(localFD, destAddr, tunnelAddr, ivCryptor, frameCfg, poller, reg, nil)
	defer h.Destroy()

	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	if _, err := unix.Write(peerFD, payload); err != nil {
		t.Fatalf("write to local peer: %v", err)
	}

	h.OnLocalRead()
	if h.remoteFD < 0 {
		t.Fatal("expected a remote socket to have been created")
	}
	if h.connectAddr.Port != tunnelPort {
		t.Fatalf("connectAddr.Port = %d, want tunnel port %d (must dial the tunnel, not destAddr)", h.connectAddr.Port, tunnelPort)
	}

	var acc accepted
	select {
	case acc = <-acceptCh:
		if acc.err != nil {
			t.Fatalf("accept: %v", acc.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the tunnel-side accept")
	}
	defer acc.conn.Close()

	// Give the nonblocking connect a moment to complete, then flush the
	// buffered first frame the way a real EPOLLOUT would.
	time.Sleep(50 * time.Millisecond)
	h.OnRemoteWrite()

	acc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := acc.conn.Read(buf)
	if err != nil {
		t.Fatalf("read first frame: %v", err)
	}

	// The remote peer holds its own IV-cryptor instance, whose keystream
	// starts where the handler's did before it enciphered the IV.
	remoteIVCryptor := testCryptor(t)
	parsed := wire.ParseTCPFirstPacket(buf[:n], remoteIVCryptor, frameCfg)
	if !parsed.Valid {
		t.Fatal("first frame failed to parse/authenticate")
	}
	if !parsed.DestAF.IP.Equal(destAddr.IP) || parsed.DestAF.Port != destAddr.Port {
		t.Fatalf("parsed dest = %+v, want %+v", parsed.DestAF, destAddr)
	}
	if string(parsed.Data) != string(payload) {
		t.Fatalf("parsed payload = %q, want %q", parsed.Data, payload)
	}
}

// TestTCPHandlerPartialWrite (S2) exercises writeToSock's buffering path:
// when a write can't fully drain, the remainder is held in pending and
// the direction is marked WRITING.
func TestTCPHandlerPartialWrite(t *testing.T) {
	localFD, peerFD := mustSocketpair(t)
	defer unix.Close(localFD)
	defer unix.Close(peerFD)

	// Shrink both ends' buffers and never drain the peer, so a large
	// write is guaranteed to only partially complete.
	_ = unix.SetsockoptInt(localFD, unix.SOL_SOCKET, unix.SO_SNDBUF, 4096)
	_ = unix.SetsockoptInt(peerFD, unix.SOL_SOCKET, unix.SO_RCVBUF, 4096)

	poller := ioloop.NewFake()
	reg := registry.New()
	h := &TCPHandler{
		role:     RoleLocal,
		poller:   poller,
		reg:      reg,
		localFD:  localFD,
		remoteFD: -1,
	}
	h.reg.AddByFD(localFD, h)
	poller.Add(localFD, localMask(StatusReading, StatusInit))

	big := make([]byte, 8*1024*1024)
	for i := range big {
		big[i] = byte(i)
	}

	h.pendingToLocal = append([]byte(nil), big...)
	h.OnLocalWrite()

	if len(h.pendingToLocal) == 0 {
		t.Fatal("expected a nonzero remainder after a partial write")
	}
	if h.downstreamStatus != StatusWriting {
		t.Fatalf("downstreamStatus = %v, want StatusWriting", h.downstreamStatus)
	}
	mask, ok := poller.MaskOf(localFD)
	if !ok {
		t.Fatal("expected localFD to remain registered")
	}
	if mask&ioloop.ReadinessWrite == 0 {
		t.Fatal("expected the local mask to request EPOLLOUT while a write is pending")
	}
}

// TestTCPHandlerPeerEOF (S3) checks that a zero-length read from the
// local socket (peer closed) tears the handler down.
func TestTCPHandlerPeerEOF(t *testing.T) {
	localFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)

	poller := ioloop.NewFake()
	reg := registry.New()
	h := NewLocal(localFD, wire.DestAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, wire.DestAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}, testCryptor(t), wire.FirstFrameConfig{CipherName: "chacha20", Passwd: "shared-secret"}, poller, reg, nil)

	unix.Close(peerFD)
	time.Sleep(10 * time.Millisecond)

	h.OnLocalRead()
	if !h.destroyed {
		t.Fatal("expected EOF on the local socket to destroy the handler")
	}
	if _, ok := reg.LookupByFD(localFD); ok {
		t.Fatal("destroyed handler must be removed from the registry")
	}
}

// TestTCPHandlerDestroyIdempotent calls Destroy twice and checks it does
// not panic or double-release resources.
func TestTCPHandlerDestroyIdempotent(t *testing.T) {
	localFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)

	poller := ioloop.NewFake()
	reg := registry.New()
	h := NewLocal(localFD, wire.DestAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, wire.DestAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}, testCryptor(t), wire.FirstFrameConfig{CipherName: "chacha20", Passwd: "shared-secret"}, poller, reg, nil)

	h.Destroy()
	if !h.destroyed {
		t.Fatal("expected destroyed=true after Destroy")
	}
	h.Destroy() // must not panic
}

// TestTCPHandlerInvalidFirstFrame (S6) checks that a remote-role handler
// destroys itself on an unparseable/unauthenticated first frame instead
// of treating it as a destination.
func TestTCPHandlerInvalidFirstFrame(t *testing.T) {
	localFD, peerFD := mustSocketpair(t)
	defer unix.Close(peerFD)

	poller := ioloop.NewFake()
	reg := registry.New()
	h := NewRemote(localFD, testCryptor(t), wire.FirstFrameConfig{CipherName: "chacha20", Passwd: "shared-secret"}, poller, reg, nil)

	garbage := []byte("not a valid first frame at all, just noise bytes")
	if _, err := unix.Write(peerFD, garbage); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	h.OnLocalRead()
	if !h.destroyed {
		t.Fatal("expected an invalid first frame to destroy the handler")
	}
}
