package protocol

import "sync/atomic"

// MaxSeqDistance is the widest forward jump accepted from a peer. Anything
// further ahead is treated as a stale packet that wrapped around.
const MaxSeqDistance = 1 << 15

// SeqGen is a per-endpoint sequence number generator. The pacer and the
// tick path may both stamp messages, so all operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// NewSeqGen creates a new sequence generator. The first call to Next()
// returns 0 and the counter wraps at 1<<16.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number.
func (s *SeqGen) Next() uint16 {
	return uint16(s.val.Add(1) - 1)
}

// SeqWindow tracks the last sequence number received from one peer and
// counts forward gaps as lost packets.
type SeqWindow struct {
	last uint16
	lost uint64
}

// Gap returns the forward distance from the last received sequence number
// to seq, modulo 1<<16. 65535 followed by 0 is a gap of 1.
func (w *SeqWindow) Gap(seq uint16) uint16 { return seq - w.last }

// Accept applies the out-of-order filter. It returns false, leaving the
// window untouched, when seq is more than MaxSeqDistance ahead.
func (w *SeqWindow) Accept(seq uint16) bool {
	gap := w.Gap(seq)
	if gap > MaxSeqDistance {
		return false
	}
	if gap > 1 {
		w.lost += uint64(gap - 1)
	}
	w.last = seq
	return true
}

// Observe records seq without filtering. Handshake messages use it.
func (w *SeqWindow) Observe(seq uint16) { w.last = seq }

// Last returns the most recently accepted sequence number.
func (w *SeqWindow) Last() uint16 { return w.last }

// Lost returns the number of sequence numbers skipped so far.
func (w *SeqWindow) Lost() uint64 { return w.lost }
