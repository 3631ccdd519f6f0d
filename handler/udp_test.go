package handler

import (
	"bytes"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ir-tunnel/ir/cryptor"
	"github.com/ir-tunnel/ir/dedup"
	"github.com/ir-tunnel/ir/ioloop"
	"github.com/ir-tunnel/ir/registry"
	"github.com/ir-tunnel/ir/rotation"
	"github.com/ir-tunnel/ir/wire"
)

func udpAddrOf(t *testing.T, conn *net.UDPConn) *net.UDPAddr {
	t.Helper()
	return conn.LocalAddr().(*net.UDPAddr)
}

// TestUDPHandlerMultiTransmitDedup (S4) checks that a retransmitted
// server response (identical serial+mac) is forwarded to the
// application exactly once.
func TestUDPHandlerMultiTransmitDedup(t *testing.T) {
	appConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen app socket: %v", err)
	}
	defer appConn.Close()

	returnFD, err := newRawUDPSocket(false, nil)
	if err != nil {
		t.Fatalf("new return socket: %v", err)
	}
	defer unix.Close(returnFD)

	defaultCryptor, err := cryptor.New("chacha20", "shared-secret", make([]byte, wire.IVSize))
	if err != nil {
		t.Fatalf("cryptor.New: %v", err)
	}
	excl := rotation.New(true, "chacha20", "shared-secret", defaultCryptor)
	mth := dedup.NewMultiTransmit(nil, 1, 1024, 1024, nil)

	h := &UDPHandler{
		role:     RoleLocal,
		poller:   ioloop.NewFake(),
		reg:      registry.New(),
		excl:     excl,
		mth:      mth,
		srcAddr:  udpAddrOf(t, appConn),
		returnSk: &rawUDPSocket{fd: returnFD},
	}

	// The server side encrypts under its own instance of the default key,
	// so the handler's keystream is not advanced by building the packet.
	peerCryptor, err := cryptor.New("chacha20", "shared-secret", make([]byte, wire.IVSize))
	if err != nil {
		t.Fatalf("cryptor.New (peer): %v", err)
	}
	serverDest := wire.DestAddr{IP: h.srcAddr.IP, Port: h.srcAddr.Port}
	packet := wire.MakeUDPPacket(peerCryptor, []byte("pong"), serverDest, nil, 0)

	h.HandleRemoteResp(packet)
	h.HandleRemoteResp(append([]byte(nil), packet...)) // exact retransmission

	appConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := appConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read forwarded response: %v", err)
	}
	if string(buf[:n]) != "pong" {
		t.Fatalf("forwarded payload = %q, want %q", buf[:n], "pong")
	}

	appConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := appConn.ReadFromUDP(buf); err == nil {
		t.Fatal("expected the duplicate retransmission to be dropped, got a second datagram")
	}
}

// TestUDPHandlerIVRotation (S5) checks that the first outgoing packet on
// a fresh flow carries a proposed IV (first-use trigger) and that the
// next one, sent before confirmation, carries none — both encrypted
// under the pre-rotation (default) cryptor per the handshake.
func TestUDPHandlerIVRotation(t *testing.T) {
	destConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("listen dest socket: %v", err)
	}
	defer destConn.Close()

	clientFD, err := newRawUDPSocket(false, nil)
	if err != nil {
		t.Fatalf("new client socket: %v", err)
	}
	defer unix.Close(clientFD)

	defaultCryptor, err := cryptor.New("chacha20", "shared-secret", make([]byte, wire.IVSize))
	if err != nil {
		t.Fatalf("cryptor.New: %v", err)
	}
	excl := rotation.New(true, "chacha20", "shared-secret", defaultCryptor)

	h := &UDPHandler{
		role:             RoleLocal,
		poller:           ioloop.NewFake(),
		reg:              registry.New(),
		excl:             excl,
		mth:              nil,
		ivChangeRateCeil: 0,
		rnd:              defaultRandIntn,
		destAddr:         udpAddrOf(t, destConn),
		clientSk:         &rawUDPSocket{fd: clientFD},
	}

	if err := h.HandleLocalRecv([]byte("first")); err != nil {
		t.Fatalf("HandleLocalRecv (first): %v", err)
	}
	if err := h.HandleLocalRecv([]byte("second")); err != nil {
		t.Fatalf("HandleLocalRecv (second): %v", err)
	}

	// The receiving peer decrypts under its own instance of the default
	// key, starting at the same keystream position the handler started at.
	peerCryptor, err := cryptor.New("chacha20", "shared-secret", make([]byte, wire.IVSize))
	if err != nil {
		t.Fatalf("cryptor.New (peer): %v", err)
	}

	destConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)

	n1, _, err := destConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read first packet: %v", err)
	}
	parsed1 := wire.ParseUDPPacket(peerCryptor, buf[:n1])
	if !parsed1.Valid {
		t.Fatal("first packet failed to parse under the default cryptor")
	}
	if len(parsed1.IV) == 0 {
		t.Fatal("expected the first packet (first use) to carry a proposed iv")
	}
	if string(parsed1.Data) != "first" {
		t.Fatalf("first packet payload = %q, want %q", parsed1.Data, "first")
	}

	n2, _, err := destConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read second packet: %v", err)
	}
	parsed2 := wire.ParseUDPPacket(peerCryptor, buf[:n2])
	if !parsed2.Valid {
		t.Fatal("second packet failed to parse under the default cryptor")
	}
	if len(parsed2.IV) != 0 {
		t.Fatal("expected the second packet, sent before confirmation, to carry no iv")
	}
	if bytes.Equal(parsed2.Data, parsed1.Data) {
		t.Fatal("second packet must carry its own payload, not a repeat of the first")
	}
}
