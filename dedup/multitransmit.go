package dedup

import (
	"net"

	"github.com/ir-tunnel/ir/internal/obslog"
)

// PacketSender is the minimal sendto capability MultiTransmit needs from a
// UDP socket. *net.UDPConn satisfies it via WriteToUDP.
type PacketSender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// ParsedPacket is the subset of a parsed UDP packet MultiTransmit's dedup
// logic needs.
type ParsedPacket struct {
	Serial int32
	MAC    []byte
}

// MultiTransmit replicates outgoing UDP packets across N peer endpoints,
// T times each, and deduplicates incoming packets by (serial, MAC) via a
// CacheQueue. It holds no per-flow state; one instance is shared by every
// UDPHandler on a role.
type MultiTransmit struct {
	peers  []*net.UDPAddr
	repeat int
	serial int32
	maxSer int32
	cache  *CacheQueue
	log    *obslog.Logger
}

// NewMultiTransmit builds a MultiTransmit helper. peers is the configured
// list of redundant remote endpoints (local role only; the remote role
// instead replicates to the sources recorded per flow). repeat is how many
// times each packet is sent to each peer. maxCacheSize and maxSerial
// default to 32768 per spec.md §4.2 when zero.
func NewMultiTransmit(peers []*net.UDPAddr, repeat, maxCacheSize, maxSerial int, log *obslog.Logger) *MultiTransmit {
	if repeat < 1 {
		repeat = 1
	}
	if maxCacheSize <= 0 {
		maxCacheSize = 32768
	}
	if maxSerial <= 0 {
		maxSerial = 32768
	}
	return &MultiTransmit{
		peers:  peers,
		repeat: repeat,
		serial: -1,
		maxSer: int32(maxSerial),
		cache:  NewCacheQueue(maxCacheSize),
		log:    log,
	}
}

// NextSerial returns a monotonically increasing serial, wrapping to 0
// after reaching the configured maximum.
func (m *MultiTransmit) NextSerial() int32 {
	if m.serial == m.maxSer {
		m.serial = -1
	}
	m.serial++
	return m.serial
}

func (m *MultiTransmit) transmit(packet []byte, sock PacketSender, addrs []*net.UDPAddr) {
	for _, addr := range addrs {
		for i := 0; i < m.repeat; i++ {
			if _, err := sock.WriteToUDP(packet, addr); err != nil {
				// Redundancy is the recovery strategy: log and move on to
				// the next peer/repeat rather than aborting the batch.
				if m.log != nil {
					m.log.Debug("multi-transmit sendto failed", obslog.Fields{"peer": addr.String(), "error": err.Error()})
				}
			}
		}
	}
}

// HandleLocalTransmit sends packet to every configured peer, repeat times
// each. Used by the local role to fan a single outgoing datagram out
// across redundant remote endpoints.
func (m *MultiTransmit) HandleLocalTransmit(packet []byte, sock PacketSender) {
	m.transmit(packet, sock, m.peers)
}

// HandleRemoteReturn sends packet to every address in destList, repeat
// times each. Used by the remote role to fan a response back across every
// recorded source address for a flow.
func (m *MultiTransmit) HandleRemoteReturn(packet []byte, sock PacketSender, destList []*net.UDPAddr) {
	m.transmit(packet, sock, destList)
}

// HandleRecv consults the dedup cache for a just-parsed packet. It returns
// isDuplicate=true (and otherwise leaves the cache untouched) if this
// exact (serial, MAC) pair was already recorded; otherwise it records the
// pair and returns false.
func (m *MultiTransmit) HandleRecv(p ParsedPacket) (dup bool) {
	if m.cache.Cached(p.Serial, p.MAC) {
		return true
	}
	m.cache.Append(p.Serial, p.MAC)
	return false
}
