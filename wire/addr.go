// Package wire implements the PacketCodec: pure build/parse functions for
// the TCP first-frame envelope and UDP packets, following the teacher's
// shared/protocol binary big-endian framing style.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DestAddr is an IPv4 or IPv6 address and port carried in wire frames.
type DestAddr struct {
	IP   net.IP
	Port int
}

const (
	addrTypeV4 = 1
	addrTypeV6 = 2
)

func encodeAddr(buf []byte, a DestAddr) []byte {
	ip4 := a.IP.To4()
	if ip4 != nil {
		buf = append(buf, addrTypeV4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, addrTypeV6)
		buf = append(buf, a.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(a.Port))
	return append(buf, portBuf[:]...)
}

func decodeAddr(data []byte) (DestAddr, int, error) {
	if len(data) < 1 {
		return DestAddr{}, 0, fmt.Errorf("wire: truncated address")
	}
	var addrLen int
	switch data[0] {
	case addrTypeV4:
		addrLen = 4
	case addrTypeV6:
		addrLen = 16
	default:
		return DestAddr{}, 0, fmt.Errorf("wire: unknown address type %d", data[0])
	}
	need := 1 + addrLen + 2
	if len(data) < need {
		return DestAddr{}, 0, fmt.Errorf("wire: truncated address")
	}
	ip := make(net.IP, addrLen)
	copy(ip, data[1:1+addrLen])
	port := binary.BigEndian.Uint16(data[1+addrLen : need])
	return DestAddr{IP: ip, Port: int(port)}, need, nil
}
