package wire

import (
	"github.com/ir-tunnel/ir/cryptor"
)

// IVSize is the length in bytes of the per-flow IV generated by the local
// role and carried, enciphered, in the TCP first frame.
const IVSize = 32

// FirstFrameConfig supplies the values ParseTCPFirstPacket needs beyond the
// bytes and the shared IV-cryptor: the cipher name and password used to
// construct the per-flow Cryptor once the IV has been recovered.
type FirstFrameConfig struct {
	CipherName string
	Passwd     string
}

// ParsedFirstFrame is the result of parsing a TCP first frame.
type ParsedFirstFrame struct {
	Valid   bool
	Data    []byte
	DestAF  DestAddr
	Cryptor *cryptor.Cryptor
	IV      []byte
}

// MakeTCPFirstPacket builds the initial encrypted envelope for a new TCP
// flow: destination address, the per-flow IV enciphered under ivCryptor
// (the long-lived shared authenticator), and the first payload enciphered
// under the fresh per-flow cryptor.
//
// Wire format: [AddrType:1][Addr:4|16][Port:2][IVCipher:32][IVMac:16][Body:N]
func MakeTCPFirstPacket(data []byte, dest DestAddr, iv []byte, flowCryptor, ivCryptor *cryptor.Cryptor) []byte {
	buf := make([]byte, 0, 1+16+2+IVSize+16+len(data))
	buf = encodeAddr(buf, dest)

	ivCipher := ivCryptor.Encrypt(iv)
	ivMac := ivCryptor.MAC(ivCipher)
	buf = append(buf, ivCipher...)
	buf = append(buf, ivMac...)

	body := flowCryptor.Encrypt(data)
	buf = append(buf, body...)
	return buf
}

// ParseTCPFirstPacket parses a first-frame envelope, recovers the per-flow
// IV and destination, constructs the per-flow Cryptor, and decrypts the
// first payload. Valid is false on any structural or authentication
// failure; callers must not trust any other field when Valid is false.
func ParseTCPFirstPacket(data []byte, ivCryptor *cryptor.Cryptor, cfg FirstFrameConfig) ParsedFirstFrame {
	dest, n, err := decodeAddr(data)
	if err != nil {
		return ParsedFirstFrame{Valid: false}
	}
	rest := data[n:]
	if len(rest) < IVSize+16 {
		return ParsedFirstFrame{Valid: false}
	}
	ivCipher := rest[:IVSize]
	ivMac := rest[IVSize : IVSize+16]
	body := rest[IVSize+16:]

	if !ivCryptor.VerifyMAC(ivCipher, ivMac) {
		return ParsedFirstFrame{Valid: false}
	}
	iv := ivCryptor.Decrypt(ivCipher)

	flowCryptor, err := cryptor.New(cfg.CipherName, cfg.Passwd, iv)
	if err != nil {
		return ParsedFirstFrame{Valid: false}
	}

	return ParsedFirstFrame{
		Valid:   true,
		Data:    flowCryptor.Decrypt(body),
		DestAF:  dest,
		Cryptor: flowCryptor,
		IV:      iv,
	}
}
