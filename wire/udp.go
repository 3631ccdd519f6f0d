package wire

import (
	"encoding/binary"

	"github.com/ir-tunnel/ir/cryptor"
)

// ParsedUDPPacket is the result of parsing a UDP packet. Dest carries the
// destination address embedded in the packet — every datagram restates
// it since UDP has no persistent connection to hang the first-frame trick
// on the way TCP does; the remote role uses Dest to route to the real
// upstream target.
type ParsedUDPPacket struct {
	Valid  bool
	Data   []byte
	Dest   DestAddr
	IV     []byte
	Serial int32 // -1 when the packet carries no serial (multi-transmit disabled)
	MAC    []byte
}

// MakeUDPPacket builds a UDP packet: destination/source address, an
// optional IV (empty when the session's rotation state says none is
// needed), and the enciphered, MAC-authenticated payload. serials is
// variadic so callers that don't use multi-transmit can omit it entirely.
//
// Wire format:
//
//	[HasSerial:1][Serial:4 if present][AddrType:1][Addr:4|16][Port:2]
//	[IVLen:1][IV:IVLen][Ciphertext:N][MAC:16]
func MakeUDPPacket(c *cryptor.Cryptor, data []byte, dest DestAddr, iv []byte, serial ...int32) []byte {
	buf := make([]byte, 0, 1+4+1+16+2+1+len(iv)+len(data)+16)
	if len(serial) > 0 {
		buf = append(buf, 1)
		var s [4]byte
		binary.BigEndian.PutUint32(s[:], uint32(serial[0]))
		buf = append(buf, s[:]...)
	} else {
		buf = append(buf, 0)
	}
	buf = encodeAddr(buf, dest)
	buf = append(buf, byte(len(iv)))
	buf = append(buf, iv...)

	cipher := c.Encrypt(data)
	mac := c.MAC(cipher)
	buf = append(buf, cipher...)
	buf = append(buf, mac...)
	return buf
}

// ParseUDPPacket parses and authenticates a UDP packet under the given
// cryptor. Valid is false on any structural or MAC failure.
func ParseUDPPacket(c *cryptor.Cryptor, data []byte) ParsedUDPPacket {
	if len(data) < 1 {
		return ParsedUDPPacket{Valid: false}
	}
	hasSerial := data[0] == 1
	off := 1
	serial := int32(-1)
	if hasSerial {
		if len(data) < off+4 {
			return ParsedUDPPacket{Valid: false}
		}
		serial = int32(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
	}
	if len(data) < off+1 {
		return ParsedUDPPacket{Valid: false}
	}

	dest, n, err := decodeAddr(data[off:])
	if err != nil {
		return ParsedUDPPacket{Valid: false}
	}
	off += n

	if len(data) < off+1 {
		return ParsedUDPPacket{Valid: false}
	}
	ivLen := int(data[off])
	off++
	if len(data) < off+ivLen {
		return ParsedUDPPacket{Valid: false}
	}
	iv := data[off : off+ivLen]
	off += ivLen

	if len(data) < off+16 {
		return ParsedUDPPacket{Valid: false}
	}
	cipher := data[off : len(data)-16]
	mac := data[len(data)-16:]

	if !c.VerifyMAC(cipher, mac) {
		return ParsedUDPPacket{Valid: false}
	}

	return ParsedUDPPacket{
		Valid:  true,
		Data:   c.Decrypt(cipher),
		Dest:   dest,
		IV:     iv,
		Serial: serial,
		MAC:    mac,
	}
}
