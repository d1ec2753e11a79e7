// Package ids draws UUIDs from the simulation's seeded generator so that
// replays with the same seed reproduce trade and event identifiers.
package ids

import (
	"encoding/binary"
	"math/rand/v2"

	"github.com/google/uuid"
)

type rngReader struct {
	rng *rand.Rand
}

func (r rngReader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], r.rng.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}

// New returns a version 4 UUID drawn from rng.
func New(rng *rand.Rand) uuid.UUID {
	// rngReader never fails
	id, _ := uuid.NewRandomFromReader(rngReader{rng: rng})
	return id
}
