// Package sample turns raw model logits into token choices. With a
// zero temperature it is plain arg-max; otherwise logits go through
// temperature scaling and nucleus (top-p) filtering before a seeded
// multinomial draw.
package sample

import (
	"errors"
	"math"
	"math/rand/v2"
	"slices"
)

// token represents information about a single token during sampling
type token struct {
	id    int32   // The token's unique identifier
	value float32 // The raw logit or probability from the model
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
}

// Greedy reports whether the sampler always picks the arg-max token.
func (s *Sampler) Greedy() bool {
	return s.temperature == 0
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	t, _, err := s.sampleToken(logits)
	return t, err
}

// SampleWithProb additionally returns the top-1 probability of the
// processed distribution, used as the draft-exit confidence signal.
func (s *Sampler) SampleWithProb(logits []float32) (int32, float32, error) {
	return s.sampleToken(logits)
}

func (s *Sampler) sampleToken(logits []float32) (int32, float32, error) {
	if len(logits) == 0 {
		return -1, 0, errors.New("sample: no logits provided to sample")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	if s.temperature == 0 {
		max := greedy(tokens)
		// softmax only to report confidence; selection is arg-max
		probs := softmaxValues(logits)
		return max.id, probs[max.id], nil
	}

	// topK also sorts the tokens in descending order of logits
	tokens = topK(tokens, s.topK)

	// scale and normalize the tokens in place
	temperature(tokens, s.temperature)
	softmax(tokens)

	top1 := tokens[0].value
	for _, t := range tokens[1:] {
		if t.value > top1 {
			top1 = t.value
		}
	}

	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	// Calculate cumulative sum of probabilities
	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}
	r *= tokens[len(tokens)-1].value

	idx, _ := slices.BinarySearchFunc(tokens, r, func(token token, target float32) int {
		if token.value < target {
			return -1
		}
		return 1
	})

	if math.IsNaN(float64(sum)) {
		return -1, 0, errors.New("sample: logits sum to NaN, check model output")
	}
	return tokens[idx].id, top1, nil
}

// greedy returns the highest probability token from the tokens
func greedy(tokens []token) token {
	max := tokens[0]
	for i := 1; i < len(tokens); i++ {
		if tokens[i].value > max.value {
			max = tokens[i]
		}
	}

	return max
}

func softmaxValues(logits []float32) []float32 {
	maxLogit := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, l := range logits {
		probs[i] = float32(math.Exp(float64(l - maxLogit)))
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// NewSampler clamps parameters to their valid ranges. A seed of -1
// leaves the draw unseeded; temperature 0 selects greedy decoding.
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed int) Sampler {
	var rng *rand.Rand
	if seed != -1 {
		// PCG requires two parameters: sequence and stream
		// Use original seed for sequence
		sequence := uint64(seed)
		// Use golden ratio hash to generate statistically independent seeds
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}
	if temperature < 0.0 {
		temperature = 0.0
	}

	if topP < 0.0 {
		topP = 0.0
	}
	if topP >= 1.0 {
		topP = 1.0
	}

	if minP < 0.0 {
		minP = 0.0
	}
	if minP >= 1.0 {
		minP = 1.0
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
	}
}
