// Package sampler turns logits into token ids: greedy argmax at
// temperature zero, otherwise multinomial sampling with optional
// nucleus truncation, driven by a deterministic xorshift generator.
package sampler

import (
	"sort"

	"github.com/23skdu/longbow-quiver/internal/kernels"
)

// Sampler owns the sampling hyperparameters and the RNG state. Runs
// seeded identically produce identical token streams.
type Sampler struct {
	temperature float32
	topP        float32
	rngState    uint64
	probIndex   []probIndex
}

type probIndex struct {
	prob  float32
	index int
}

// New builds a sampler. vocabSize bounds the nucleus scratch buffer.
func New(vocabSize int, temperature, topP float32, seed uint64) *Sampler {
	if seed == 0 {
		seed = 1
	}
	return &Sampler{
		temperature: temperature,
		topP:        topP,
		rngState:    seed,
		probIndex:   make([]probIndex, vocabSize),
	}
}

// Sample picks the next token from logits. logits is scratch: the
// non-greedy paths normalize it in place.
func (s *Sampler) Sample(logits []float32) int {
	if s.temperature == 0 {
		return argmax(logits)
	}
	for i := range logits {
		logits[i] /= s.temperature
	}
	kernels.Softmax(logits)
	coin := s.randomF32()
	if s.topP <= 0 || s.topP >= 1 {
		return sampleMult(logits, coin)
	}
	return s.sampleTopP(logits, coin)
}

func argmax(x []float32) int {
	best := 0
	for i, v := range x[1:] {
		if v > x[best] {
			best = i + 1
		}
	}
	return best
}

// sampleMult draws from the full distribution by inverse CDF.
func sampleMult(probs []float32, coin float32) int {
	cdf := float32(0)
	for i, p := range probs {
		cdf += p
		if coin < cdf {
			return i
		}
	}
	return len(probs) - 1 // rounding
}

// sampleTopP draws from the smallest prefix of the sorted distribution
// whose mass exceeds topP. Tokens below (1-p)/(n-1) can never be part
// of that prefix and are cut before the sort.
func (s *Sampler) sampleTopP(probs []float32, coin float32) int {
	n := len(probs)
	cutoff := (1 - s.topP) / float32(n-1)
	n0 := 0
	for i, p := range probs {
		if p >= cutoff {
			s.probIndex[n0] = probIndex{prob: p, index: i}
			n0++
		}
	}
	if n0 == 0 {
		// Near-uniform distributions can push every probability below
		// the cutoff; sample the full distribution instead of an empty
		// nucleus.
		return sampleMult(probs, coin)
	}
	kept := s.probIndex[:n0]
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].prob > kept[j].prob
	})

	cum := float32(0)
	last := n0 - 1
	for i, pi := range kept {
		cum += pi.prob
		if cum > s.topP {
			last = i
			break
		}
	}

	r := coin * cum
	cdf := float32(0)
	for i := 0; i <= last; i++ {
		cdf += kept[i].prob
		if r < cdf {
			return kept[i].index
		}
	}
	return kept[last].index
}

// randomU32 steps the xorshift64* generator.
func (s *Sampler) randomU32() uint32 {
	s.rngState ^= s.rngState >> 12
	s.rngState ^= s.rngState << 25
	s.rngState ^= s.rngState >> 27
	return uint32((s.rngState * 0x2545F4914F6CDD1D) >> 32)
}

// randomF32 returns a float in [0, 1).
func (s *Sampler) randomF32() float32 {
	return float32(s.randomU32()>>8) / 16777216.0
}
