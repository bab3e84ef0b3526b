package prober

import (
	"encoding/binary"
	"errors"
)

// MaxPeers bounds the RTT matrix.
const MaxPeers = 4

// Magic opens every probe datagram. It differs from the session protocol's
// fingerprint so the two never confuse each other on a shared port.
const Magic uint16 = 0x5050

type packetType uint8

const (
	typePing packetType = 1
	typePong packetType = 2
)

// RTTMatrix holds pairwise round trips in milliseconds, capped at 255.
// Row i is peer i's view; zero means unknown.
type RTTMatrix [MaxPeers][MaxPeers]uint8

// packet is the fixed-size probe datagram:
//
//	magic:u16 type:u8 session:u32 from:u8 to:u8 candidate:u8
//	send_ts:u64 ping_ts:u64 matrix:[16]u8
type packet struct {
	Type      packetType
	SessionID uint32
	From      uint8
	To        uint8
	Candidate uint8
	SendTS    uint64 // sender clock, ms
	PingTS    uint64 // pong only: the ping's SendTS echoed back
	Matrix    RTTMatrix
}

const packetSize = 2 + 1 + 4 + 3 + 8 + 8 + MaxPeers*MaxPeers

var errBadPacket = errors.New("prober: malformed packet")

func (p *packet) marshal() []byte {
	b := make([]byte, 0, packetSize)
	b = binary.BigEndian.AppendUint16(b, Magic)
	b = append(b, byte(p.Type))
	b = binary.BigEndian.AppendUint32(b, p.SessionID)
	b = append(b, p.From, p.To, p.Candidate)
	b = binary.BigEndian.AppendUint64(b, p.SendTS)
	b = binary.BigEndian.AppendUint64(b, p.PingTS)
	for i := range p.Matrix {
		b = append(b, p.Matrix[i][:]...)
	}
	return b
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) != packetSize || binary.BigEndian.Uint16(b) != Magic {
		return errBadPacket
	}
	p.Type = packetType(b[2])
	p.SessionID = binary.BigEndian.Uint32(b[3:])
	p.From, p.To, p.Candidate = b[7], b[8], b[9]
	p.SendTS = binary.BigEndian.Uint64(b[10:])
	p.PingTS = binary.BigEndian.Uint64(b[18:])
	off := 26
	for i := range p.Matrix {
		copy(p.Matrix[i][:], b[off:off+MaxPeers])
		off += MaxPeers
	}
	if p.Type != typePing && p.Type != typePong {
		return errBadPacket
	}
	return nil
}
