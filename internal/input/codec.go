package input

import (
	"errors"
	"fmt"
)

// MaxCompressedBits caps the delta stream carried by a single input message.
const MaxCompressedBits = 4096

var (
	ErrBitstream     = errors.New("input: malformed delta bitstream")
	ErrNotContiguous = errors.New("input: frames are not contiguous with the base record")
)

// Encode writes frames as a bit-packed delta stream relative to base into
// buf. Each changed bit costs a continue marker, its new value and its index;
// each frame ends with a stop marker.
//
// Only whole frames are written. When the next frame would overflow buf, the
// stream ends there and encoded reports how many frames made it in; the rest
// travel in a later message once the peer has acknowledged these.
func Encode(base Record, frames []Record, buf []byte) (numBits, encoded int, err error) {
	if len(frames) == 0 {
		return 0, 0, nil
	}
	if !base.IsNull() && base.Frame+1 != frames[0].Frame {
		return 0, 0, fmt.Errorf("%w: base %d, first %d", ErrNotContiguous, base.Frame, frames[0].Frame)
	}

	w := NewBitWriter(buf)
	last := base
	for j, cur := range frames {
		if j > 0 && frames[j-1].Frame+1 != cur.Frame {
			return 0, 0, fmt.Errorf("%w: %d follows %d", ErrNotContiguous, cur.Frame, frames[j-1].Frame)
		}

		changed := changedBits(last, cur)
		if w.Len()+len(changed)*(2+NibbleSize)+1 > w.Cap() {
			break
		}
		for _, i := range changed {
			w.WriteBit(true)
			w.WriteBit(cur.Value(i))
			w.WriteNibble(i)
		}
		w.WriteBit(false)

		last = cur
		encoded++
	}
	return w.Len(), encoded, nil
}

// changedBits lists the indices in cur that differ from last.
func changedBits(last, cur Record) []int {
	if last.Bits == cur.Bits {
		return nil
	}
	var out []int
	for i := 0; i < int(cur.Size)*8; i++ {
		if cur.Value(i) != last.Value(i) {
			out = append(out, i)
		}
	}
	return out
}

// Decode replays a delta stream that starts at startFrame on top of last,
// the newest record the receiver has already accepted. Frames at or before
// last.Frame are parsed to keep the cursor aligned but are not returned.
//
// On success it returns the new newest record and the freshly decoded
// records in frame order. On any error last is returned untouched and no
// records are produced.
func Decode(last Record, startFrame int64, size uint8, bits []byte, numBits int) (Record, []Record, error) {
	if size > MaxBytes {
		return last, nil, fmt.Errorf("%w: input size %d", ErrBitstream, size)
	}

	cur := last
	cur.Size = size
	if cur.IsNull() {
		cur.Frame = startFrame - 1
	}

	var out []Record
	r := NewBitReader(bits, numBits)
	for frame := startFrame; r.Remaining() > 0; frame++ {
		if frame > cur.Frame+1 {
			return last, nil, fmt.Errorf("%w: frame %d skips past %d", ErrBitstream, frame, cur.Frame)
		}
		use := frame == cur.Frame+1

		for {
			more, err := r.ReadBit()
			if err != nil {
				return last, nil, err
			}
			if !more {
				break
			}
			on, err := r.ReadBit()
			if err != nil {
				return last, nil, err
			}
			idx, err := r.ReadNibble()
			if err != nil {
				return last, nil, err
			}
			if idx >= int(size)*8 {
				return last, nil, fmt.Errorf("%w: bit index %d outside %d-byte input", ErrBitstream, idx, size)
			}
			if !use {
				continue
			}
			if on {
				cur.Set(idx)
			} else {
				cur.Clear(idx)
			}
		}

		if use {
			cur.Frame = frame
			out = append(out, cur)
		}
	}
	return cur, out, nil
}
