// Package model defines the contracts between the decode loop and the
// model-compute collaborator. The decode core never looks inside a
// forward pass; it only supplies inputs, a cache, and an optional skip
// mask, and consumes logits and hidden states.
package model

import (
	"context"

	"github.com/claspdev/clasp/kvcache"
)

// ForwardRequest describes one forward call. The cache is mutated in
// place up to the newly consumed length. When SkipMask is non-nil, the
// masked layers are bypassed (residual pass-through) for the duration
// of this call only.
type ForwardRequest struct {
	Inputs []int32
	Cache  *kvcache.Cache

	// SkipMask has one entry per layer; nil means no layer is skipped.
	SkipMask []bool

	WantHiddenStates bool
}

// ForwardResult carries one logits row per input position. When hidden
// states were requested, HiddenStates[pos] holds NumLayers+1 layer
// boundary vectors: the embedding output followed by each layer's
// output.
type ForwardResult struct {
	Logits       [][]float32
	HiddenStates [][][]float32
}

type Model interface {
	Forward(ctx context.Context, req ForwardRequest) (*ForwardResult, error)

	// NewCache allocates a cache shaped for this model.
	NewCache() *kvcache.Cache

	NumLayers() int
	ContextLength() int
	VocabSize() int
}

// LayerForwarder is implemented by models that expose single-layer
// compute, which the skip-mask optimizer needs. ForwardLayer applies
// one layer to a batch of alternative hidden states at the position
// following the cache's logical length. The cache is an
// optimization-scoped fork; implementations may read or extend it
// freely since the caller discards it afterward.
type LayerForwarder interface {
	ForwardLayer(ctx context.Context, layer int, states [][]float32, cache *kvcache.Cache) ([][]float32, error)
}

// Tokenizer maps between text and token ids.
type Tokenizer interface {
	Encode(s string) []int32
	Decode(ids []int32) string
	EOS() int32
}
