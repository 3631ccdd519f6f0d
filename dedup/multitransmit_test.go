package dedup

import (
	"net"
	"testing"
)

type countingSender struct {
	calls map[string]int
}

func newCountingSender() *countingSender {
	return &countingSender{calls: make(map[string]int)}
}

func (c *countingSender) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	c.calls[addr.String()]++
	return len(b), nil
}

func TestMultiTransmitSendCount(t *testing.T) {
	peers := []*net.UDPAddr{
		{IP: net.ParseIP("127.0.0.1"), Port: 9001},
		{IP: net.ParseIP("127.0.0.1"), Port: 9002},
	}
	mt := NewMultiTransmit(peers, 3, 10, 10, nil)
	sender := newCountingSender()

	mt.HandleLocalTransmit([]byte("packet"), sender)

	for _, p := range peers {
		if got := sender.calls[p.String()]; got != 3 {
			t.Fatalf("peer %s: got %d sends, want 3", p, got)
		}
	}
}

func TestMultiTransmitDedup(t *testing.T) {
	mt := NewMultiTransmit(nil, 1, 10, 10, nil)
	p := ParsedPacket{Serial: 1, MAC: []byte("tag")}

	if dup := mt.HandleRecv(p); dup {
		t.Fatal("first sighting of a (serial, mac) pair must not be a duplicate")
	}
	if dup := mt.HandleRecv(p); !dup {
		t.Fatal("second sighting of the same (serial, mac) pair must be a duplicate")
	}

	other := ParsedPacket{Serial: 1, MAC: []byte("other-tag")}
	if dup := mt.HandleRecv(other); dup {
		t.Fatal("same serial with a different mac must not be treated as a duplicate")
	}
}
