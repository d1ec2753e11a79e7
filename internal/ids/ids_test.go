package ids

import (
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsDeterministic(t *testing.T) {
	a := New(rand.New(rand.NewPCG(1, 2)))
	b := New(rand.New(rand.NewPCG(1, 2)))
	if a != b {
		t.Errorf("same seed gave %s and %s", a, b)
	}
	if a.Version() != 4 || a.Variant() != uuid.RFC4122 {
		t.Errorf("version = %d variant = %v", a.Version(), a.Variant())
	}

	rng := rand.New(rand.NewPCG(1, 2))
	seen := make(map[uuid.UUID]bool)
	for range 1000 {
		id := New(rng)
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
