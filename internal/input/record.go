// Package input holds the per-frame input record and the bit-packed delta
// codec used to ship runs of records over the wire.
package input

import (
	"fmt"
	"strings"
)

const (
	// MaxBytes is the largest input record, covering every local player
	// multiplexed onto one endpoint.
	MaxBytes = 16

	// MaxPlayers is the number of player slots tracked in connect-status
	// tables.
	MaxPlayers = 4

	// NullFrame marks an uninitialized record.
	NullFrame int64 = -1
)

// Record is the full controller state for one simulation frame. It is a
// value type; copies never alias.
type Record struct {
	Frame int64
	Size  uint8
	Bits  [MaxBytes]byte
}

// NewRecord builds a record for frame from bits. bits longer than MaxBytes
// is an error.
func NewRecord(frame int64, bits []byte) (Record, error) {
	if len(bits) > MaxBytes {
		return Record{}, fmt.Errorf("input record of %d bytes exceeds %d", len(bits), MaxBytes)
	}
	r := Record{Frame: frame, Size: uint8(len(bits))}
	copy(r.Bits[:], bits)
	return r, nil
}

// Empty returns an uninitialized record of the given size.
func Empty(size uint8) Record {
	return Record{Frame: NullFrame, Size: size}
}

// IsNull reports whether the record has never been assigned a frame.
func (r Record) IsNull() bool { return r.Frame == NullFrame }

// Value returns bit i.
func (r Record) Value(i int) bool {
	return r.Bits[i/8]&(1<<(i%8)) != 0
}

// Set turns bit i on.
func (r *Record) Set(i int) { r.Bits[i/8] |= 1 << (i % 8) }

// Clear turns bit i off.
func (r *Record) Clear(i int) { r.Bits[i/8] &^= 1 << (i % 8) }

// Payload returns the meaningful prefix of Bits.
func (r Record) Payload() []byte { return r.Bits[:r.Size] }

// Equal compares frame, size and payload.
func (r Record) Equal(o Record) bool {
	return r.Frame == o.Frame && r.Size == o.Size && r.Bits == o.Bits
}

func (r Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "(frame:%d size:%d", r.Frame, r.Size)
	for i := 0; i < int(r.Size)*8; i++ {
		if r.Value(i) {
			fmt.Fprintf(&b, " %d", i)
		}
	}
	b.WriteByte(')')
	return b.String()
}
