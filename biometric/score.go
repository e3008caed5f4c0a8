package biometric

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// Scorer compares a probe with an enrolled feature and returns a similarity
// in [0, 1]
type Scorer func(probe, enrolled []byte) (float64, error)

// ScorerFor returns the built-in scorer for an encoding
func ScorerFor(enc Encoding) Scorer {
	if enc == BitCode {
		return HammingScore
	}
	return CosineScore
}

// CosineScore compares little-endian float32 vectors, mapping cosine
// similarity from [-1, 1] to [0, 1]
func CosineScore(probe, enrolled []byte) (float64, error) {
	if len(probe) != len(enrolled) || len(probe)%4 != 0 {
		return 0, fmt.Errorf("vector sizes %d and %d differ", len(probe), len(enrolled))
	}

	var dot, pn, en float64
	for i := 0; i < len(probe); i += 4 {
		p := float64(math.Float32frombits(binary.LittleEndian.Uint32(probe[i:])))
		e := float64(math.Float32frombits(binary.LittleEndian.Uint32(enrolled[i:])))
		dot += p * e
		pn += p * p
		en += e * e
	}
	if pn == 0 || en == 0 || math.IsNaN(dot) || math.IsInf(dot, 0) {
		return 0, fmt.Errorf("degenerate vector")
	}

	cos := dot / (math.Sqrt(pn) * math.Sqrt(en))
	return clamp01((cos + 1) / 2), nil
}

// HammingScore compares packed bit codes as 1 - hamming/bits
func HammingScore(probe, enrolled []byte) (float64, error) {
	if len(probe) != len(enrolled) || len(probe) == 0 {
		return 0, fmt.Errorf("code sizes %d and %d differ", len(probe), len(enrolled))
	}

	distance := 0
	for i := range probe {
		distance += bits.OnesCount8(probe[i] ^ enrolled[i])
	}
	return 1 - float64(distance)/float64(len(probe)*8), nil
}

func vectorNorm(feature []byte) (float64, error) {
	var sum float64
	for i := 0; i+4 <= len(feature); i += 4 {
		v := float64(math.Float32frombits(binary.LittleEndian.Uint32(feature[i:])))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("non-finite component at %d", i/4)
		}
		sum += v * v
	}
	if sum == 0 {
		return 0, fmt.Errorf("zero vector")
	}
	return math.Sqrt(sum), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
