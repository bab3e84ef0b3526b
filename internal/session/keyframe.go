package session

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// KeyFrameDelay is how many frames after the last post every slot waits
// before acting on a shared milestone.
const KeyFrameDelay = 30

// KeyFrameTable aligns peers on shared milestones (scene start, load end,
// ...). Each slot posts the milestone kind it reached and the frame it
// reached it on; once every slot agrees on the kind, the milestone fires
// KeyFrameDelay frames after the latest post.
//
// The session owns the table and hands out a pointer; it is safe for
// concurrent use.
type KeyFrameTable struct {
	mu     sync.Mutex
	kinds  []uint8
	frames []int64
}

// NewKeyFrameTable creates a table with one row per player slot.
func NewKeyFrameTable(slots int) *KeyFrameTable {
	return &KeyFrameTable{
		kinds:  make([]uint8, slots),
		frames: make([]int64, slots),
	}
}

// Post records that slot reached milestone kind on frame. Kind zero clears
// the slot.
func (t *KeyFrameTable) Post(slot int, kind uint8, frame int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot < 0 || slot >= len(t.kinds) {
		return fmt.Errorf("keyframe: slot %d out of range", slot)
	}
	t.kinds[slot] = kind
	t.frames[slot] = frame
	return nil
}

// Pending reports whether any slot has posted a milestone.
func (t *KeyFrameTable) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.kinds {
		if k != 0 {
			return true
		}
	}
	return false
}

// Ready returns the agreed milestone kind when frame is exactly the frame
// it fires on.
func (t *KeyFrameTable) Ready(frame int64) (uint8, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kind := t.kinds[0]
	if kind == 0 {
		return 0, false
	}
	latest := t.frames[0]
	for i := 1; i < len(t.kinds); i++ {
		if t.kinds[i] != kind {
			return 0, false
		}
		latest = max(latest, t.frames[i])
	}
	return kind, latest+KeyFrameDelay == frame
}

// Reset clears every slot.
func (t *KeyFrameTable) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.kinds)
	clear(t.frames)
}

// Snapshot returns a copy of the posted kinds and frames, by slot.
func (t *KeyFrameTable) Snapshot() (kinds []uint8, frames []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint8(nil), t.kinds...), append([]int64(nil), t.frames...)
}

// App-data channel tags.
const (
	tagUser     = 0
	tagKeyFrame = 1
)

const keyFramePostSize = 1 + 1 + 4

func encodeKeyFramePost(kind uint8, frame int64) []byte {
	b := make([]byte, 0, keyFramePostSize)
	b = append(b, tagKeyFrame, kind)
	return binary.BigEndian.AppendUint32(b, uint32(int32(frame)))
}

func decodeKeyFramePost(b []byte) (kind uint8, frame int64, err error) {
	if len(b) != keyFramePostSize || b[0] != tagKeyFrame {
		return 0, 0, fmt.Errorf("keyframe: malformed post (%d bytes)", len(b))
	}
	return b[1], int64(int32(binary.BigEndian.Uint32(b[2:]))), nil
}
