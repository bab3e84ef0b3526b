package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTooShort       = errors.New("protocol: packet too short")
	ErrBadFingerprint = errors.New("protocol: fingerprint mismatch")
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrTruncated      = errors.New("protocol: truncated body")
	ErrBadRelay       = errors.New("protocol: malformed relay envelope")
	ErrOversize       = errors.New("protocol: payload exceeds limit")
)

// Encode serializes m. The header's Fingerprint field is ignored; the
// constant is always written. A relayed header is written as a Relay
// envelope carrying the original type.
func Encode(m *Message) ([]byte, error) {
	if m.Body == nil {
		return nil, fmt.Errorf("%w: nil body", ErrUnknownType)
	}
	h := m.Header
	h.Type = m.Body.Type()

	buf := make([]byte, 0, RelayHeaderSize+64)
	buf = appendHeader(buf, h)

	switch b := m.Body.(type) {
	case *SyncRequest:
		if len(b.Verification) > MaxVerification {
			return nil, fmt.Errorf("%w: verification %d bytes (max %d)", ErrOversize, len(b.Verification), MaxVerification)
		}
		buf = binary.BigEndian.AppendUint16(buf, b.Nonce)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.Verification)))
		buf = append(buf, b.Verification...)
	case *SyncReply:
		buf = binary.BigEndian.AppendUint16(buf, b.Nonce)
		buf = appendBool(buf, b.Failure)
	case *Input:
		n := bitBytes(int(b.NumBits))
		if n > len(b.Bits) {
			return nil, fmt.Errorf("%w: %d bits need %d bytes, have %d", ErrTruncated, b.NumBits, n, len(b.Bits))
		}
		buf = appendFrame(buf, b.StartFrame)
		buf = append(buf, b.InputSize)
		buf = appendFrame(buf, b.AckFrame)
		buf = binary.BigEndian.AppendUint16(buf, b.NumBits)
		buf = append(buf, b.Bits[:n]...)
		for _, s := range b.PeerStatus {
			buf = appendBool(buf, s.Disconnected)
			buf = appendFrame(buf, s.LastFrame)
		}
		buf = appendBool(buf, b.DisconnectRequested)
	case *InputAck:
		buf = appendFrame(buf, b.AckFrame)
	case *QualityReport:
		buf = binary.BigEndian.AppendUint32(buf, b.Ping)
		buf = append(buf, byte(b.FrameAdvantage))
	case *QualityReply:
		buf = binary.BigEndian.AppendUint32(buf, b.Pong)
	case *KeepAlive:
	case *AppData:
		if len(b.Data) > MaxAppData {
			return nil, fmt.Errorf("%w: app data %d bytes (max %d)", ErrOversize, len(b.Data), MaxAppData)
		}
		buf = appendBool(buf, b.Spectators)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(b.Data)))
		buf = append(buf, b.Data...)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m.Body)
	}
	return buf, nil
}

func appendHeader(buf []byte, h Header) []byte {
	wire := h.Type
	if h.Relayed {
		wire = TypeRelay
	}
	buf = binary.BigEndian.AppendUint16(buf, Fingerprint)
	buf = binary.BigEndian.AppendUint16(buf, h.Magic)
	buf = binary.BigEndian.AppendUint16(buf, h.Seq)
	buf = append(buf, h.Sender, byte(wire))
	if h.Relayed {
		buf = binary.BigEndian.AppendUint16(buf, RelayFingerprint)
		buf = append(buf, h.RelayTo, byte(h.Type))
	}
	return buf
}

// Frames travel as 32-bit two's complement so that -1 survives the trip.
func appendFrame(buf []byte, f int64) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(int32(f)))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func bitBytes(numBits int) int { return (numBits + 7) / 8 }

// DecodeHeader parses the common header and, when present, the relay
// envelope. It returns the header and the offset at which the body starts.
func DecodeHeader(data []byte) (Header, int, error) {
	if len(data) < HeaderSize {
		return Header{}, 0, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTooShort, len(data), HeaderSize)
	}
	h := Header{
		Fingerprint: binary.BigEndian.Uint16(data[0:2]),
		Magic:       binary.BigEndian.Uint16(data[2:4]),
		Seq:         binary.BigEndian.Uint16(data[4:6]),
		Sender:      data[6],
		Type:        MsgType(data[7]),
	}
	if h.Fingerprint != Fingerprint {
		return h, 0, fmt.Errorf("%w: 0x%04x", ErrBadFingerprint, h.Fingerprint)
	}
	if h.Type != TypeRelay {
		return h, HeaderSize, nil
	}

	if len(data) < RelayHeaderSize {
		return h, 0, fmt.Errorf("%w: relay envelope in %d bytes", ErrTooShort, len(data))
	}
	if fp := binary.BigEndian.Uint16(data[8:10]); fp != RelayFingerprint {
		return h, 0, fmt.Errorf("%w: relay fingerprint 0x%04x", ErrBadRelay, fp)
	}
	orig := MsgType(data[11])
	if orig == TypeRelay || orig == TypeInvalid {
		return h, 0, fmt.Errorf("%w: wrapped type %v", ErrBadRelay, orig)
	}
	h.Relayed = true
	h.RelayTo = data[10]
	h.Type = orig
	return h, RelayHeaderSize, nil
}

// Decode parses a complete datagram. Nothing is returned unless the whole
// message parsed cleanly.
func Decode(data []byte) (*Message, error) {
	h, off, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}

	r := reader{buf: data, off: off}
	var body Body
	switch h.Type {
	case TypeSyncRequest:
		b := &SyncRequest{Nonce: r.u16()}
		n := int(r.u16())
		if n > MaxVerification {
			return nil, fmt.Errorf("%w: verification %d bytes", ErrOversize, n)
		}
		b.Verification = r.bytes(n)
		body = b
	case TypeSyncReply:
		body = &SyncReply{Nonce: r.u16(), Failure: r.flag()}
	case TypeInput:
		b := &Input{
			StartFrame: r.frame(),
			InputSize:  r.u8(),
			AckFrame:   r.frame(),
			NumBits:    r.u16(),
		}
		b.Bits = r.bytes(bitBytes(int(b.NumBits)))
		for i := range b.PeerStatus {
			b.PeerStatus[i].Disconnected = r.flag()
			b.PeerStatus[i].LastFrame = r.frame()
		}
		b.DisconnectRequested = r.flag()
		body = b
	case TypeInputAck:
		body = &InputAck{AckFrame: r.frame()}
	case TypeQualityReport:
		body = &QualityReport{Ping: r.u32(), FrameAdvantage: int8(r.u8())}
	case TypeQualityReply:
		body = &QualityReply{Pong: r.u32()}
	case TypeKeepAlive:
		body = &KeepAlive{}
	case TypeAppData:
		b := &AppData{Spectators: r.flag()}
		n := int(r.u16())
		if n > MaxAppData {
			return nil, fmt.Errorf("%w: app data %d bytes", ErrOversize, n)
		}
		b.Data = r.bytes(n)
		body = b
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, h.Type)
	}

	if r.short {
		return nil, fmt.Errorf("%w: %v body in %d bytes", ErrTruncated, h.Type, len(data)-off)
	}
	return &Message{Header: h, Body: body}, nil
}

// reader is a bounds-checked cursor. Once a read runs past the end every
// later read returns zero and short stays set.
type reader struct {
	buf   []byte
	off   int
	short bool
}

func (r *reader) take(n int) []byte {
	if r.short || r.off+n > len(r.buf) {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) flag() bool { return r.u8() != 0 }

func (r *reader) frame() int64 { return int64(int32(r.u32())) }

// bytes copies n bytes out of the datagram so the caller may reuse it.
func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
