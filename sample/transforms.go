package sample

import (
	"container/heap"
	"math"
	"slices"
)

// tokenHeap implements heap.Interface and holds tokens as a min-heap
// to track the top-k tokens by logit
type tokenHeap []token

func (h tokenHeap) Len() int           { return len(h) }
func (h tokenHeap) Less(i, j int) bool { return h[i].value < h[j].value }
func (h tokenHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tokenHeap) Push(x any) {
	*h = append(*h, x.(token))
}

func (h *tokenHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// temperature applies scaling to the logits
func temperature(ts []token, temp float32) {
	// subtracting max logit to avoid under/overflow
	maxLogit := float32(math.Inf(-1))
	for _, t := range ts {
		if t.value > maxLogit {
			maxLogit = t.value
		}
	}

	for i := range ts {
		ts[i].value = (ts[i].value - maxLogit) / temp
	}
}

// softmax normalizes the scaled logits in place
func softmax(ts []token) {
	var sum float32
	for i := range ts {
		ts[i].value = float32(math.Exp(float64(ts[i].value)))
		sum += ts[i].value
	}

	for i := range ts {
		ts[i].value /= sum
	}
}

// topK limits the number of tokens considered to the k highest logits.
// A k <= 0 keeps every token but still sorts in descending order,
// which later transforms rely on.
func topK(ts []token, k int) []token {
	if k <= 0 || k >= len(ts) {
		slices.SortFunc(ts, func(a, b token) int {
			switch {
			case a.value < b.value:
				return 1
			case a.value > b.value:
				return -1
			default:
				return 0
			}
		})
		return ts
	}

	// build a min-heap of the k best tokens
	h := make(tokenHeap, k)
	copy(h, ts[:k])
	heap.Init(&h)

	for _, t := range ts[k:] {
		if t.value > h[0].value {
			h[0] = t
			heap.Fix(&h, 0)
		}
	}

	// pop in ascending order, fill result backwards for descending
	out := make([]token, k)
	for i := k - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(token)
	}
	return out
}

// topP limits tokens to those with cumulative probability p, assuming
// the tokens are sorted in descending order of probability
func topP(ts []token, p float32) []token {
	if p == 1.0 {
		return ts
	}

	var sum float32
	for i, t := range ts {
		sum += t.value
		if sum > p {
			return ts[:i+1]
		}
	}

	return ts
}

// minP filters out tokens below a fraction of the maximum probability,
// assuming the tokens are sorted in descending order
func minP(ts []token, p float32) []token {
	if p == 0 || len(ts) == 0 {
		return ts
	}

	threshold := ts[0].value * p
	for i, t := range ts {
		if t.value < threshold {
			return ts[:i]
		}
	}
	return ts
}
