// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// SessionIDFromCode computes a 4-byte hash from a human-readable session code
// (e.g. a signaling room code). Every participant derives the same id from
// the same code, so it can be stamped on probe packets without negotiation.
func SessionIDFromCode(code string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(code))
	return h.Sum32()
}
