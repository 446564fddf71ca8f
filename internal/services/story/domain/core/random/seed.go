// Package random derives deterministic tick seeds and generators.
//
// Seeds are a pure function of (graph id, cursor id, step) so two runs that
// reach the same position draw the same sequence. Wall-clock time never
// participates.
package random

import (
	"encoding/binary"
	"math/rand/v2"
	"strconv"

	"lukechampine.com/blake3"
)

// Seed derives the tick seed for a graph position.
func Seed(graphID, cursorID string, step uint64) int64 {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(graphID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(cursorID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatUint(step, 10)))
	sum := h.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]) >> 1)
}

// New returns a generator for a seed.
func New(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
}
