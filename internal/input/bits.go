package input

// NibbleSize is the number of bits used to encode a changed bit's index.
// Every addressable input bit must fit: MaxBytes*8 <= 1<<NibbleSize.
const NibbleSize = 8

// BitWriter appends single bits and fixed-width nibbles to a byte slice,
// least significant bit first within each byte.
type BitWriter struct {
	buf []byte
	off int
}

// NewBitWriter writes into buf. The caller owns buf; it is not zeroed, so
// pass a fresh slice.
func NewBitWriter(buf []byte) *BitWriter {
	return &BitWriter{buf: buf}
}

// Len returns the number of bits written so far.
func (w *BitWriter) Len() int { return w.off }

// Cap returns the maximum number of bits the writer can hold.
func (w *BitWriter) Cap() int { return len(w.buf) * 8 }

// WriteBit appends one bit. It returns false (and writes nothing) once the
// buffer is full.
func (w *BitWriter) WriteBit(on bool) bool {
	if w.off >= w.Cap() {
		return false
	}
	if on {
		w.buf[w.off/8] |= 1 << (w.off % 8)
	} else {
		w.buf[w.off/8] &^= 1 << (w.off % 8)
	}
	w.off++
	return true
}

// WriteNibble appends the low NibbleSize bits of v.
func (w *BitWriter) WriteNibble(v int) bool {
	if w.off+NibbleSize > w.Cap() {
		return false
	}
	for i := 0; i < NibbleSize; i++ {
		w.WriteBit(v&(1<<i) != 0)
	}
	return true
}

// BitReader reads what a BitWriter produced, bounded by an explicit bit count.
type BitReader struct {
	buf   []byte
	off   int
	limit int
}

// NewBitReader reads at most numBits bits from buf. A numBits larger than
// the buffer is clamped.
func NewBitReader(buf []byte, numBits int) *BitReader {
	if numBits > len(buf)*8 {
		numBits = len(buf) * 8
	}
	return &BitReader{buf: buf, limit: numBits}
}

// Offset returns the number of bits consumed.
func (r *BitReader) Offset() int { return r.off }

// Remaining returns the number of unread bits.
func (r *BitReader) Remaining() int { return r.limit - r.off }

// ReadBit returns the next bit.
func (r *BitReader) ReadBit() (bool, error) {
	if r.off >= r.limit {
		return false, ErrBitstream
	}
	on := r.buf[r.off/8]&(1<<(r.off%8)) != 0
	r.off++
	return on, nil
}

// ReadNibble returns the next NibbleSize-bit value.
func (r *BitReader) ReadNibble() (int, error) {
	if r.off+NibbleSize > r.limit {
		return 0, ErrBitstream
	}
	v := 0
	for i := 0; i < NibbleSize; i++ {
		on, _ := r.ReadBit()
		if on {
			v |= 1 << i
		}
	}
	return v, nil
}
