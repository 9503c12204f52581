package knowledge

import (
	"hash/fnv"
	"math/bits"
)

// Simhash64 fingerprints text over its normalized terms; near duplicates
// land within a few bits of each other.
func Simhash64(s string) uint64 {
	terms := Terms(s)
	if len(terms) == 0 {
		return 0
	}
	var vec [64]int64
	for _, tok := range terms {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		v := h.Sum64()
		w := int64(1 + len(tok)/4)
		for i := 0; i < 64; i++ {
			if (v>>uint(i))&1 == 1 {
				vec[i] += w
			} else {
				vec[i] -= w
			}
		}
	}
	var out uint64
	for i := 0; i < 64; i++ {
		if vec[i] >= 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

func Hamming(a, b uint64) int { return bits.OnesCount64(a ^ b) }
