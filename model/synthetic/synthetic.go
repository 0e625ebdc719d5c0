// Package synthetic implements a small deterministic transformer-like
// backend. It exists so the decode protocol can run end to end without
// loading weights: layer outputs, attention and logits are fixed
// functions of the token history, so identical inputs always produce
// identical outputs. It exercises every part of the model contract,
// including skip masks, per-layer compute and the KV cache.
package synthetic

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"

	"github.com/claspdev/clasp/kvcache"
	"github.com/claspdev/clasp/model"
)

type Config struct {
	Layers        int
	Dims          int
	Vocab         int
	ContextLength int
	CacheDType    kvcache.DType
}

type Model struct {
	layers int
	dims   int
	vocab  int
	ctxLen int
	dtype  kvcache.DType
}

func New(cfg Config) *Model {
	if cfg.Layers == 0 {
		cfg.Layers = 8
	}
	if cfg.Dims == 0 {
		cfg.Dims = 16
	}
	if cfg.Vocab == 0 {
		cfg.Vocab = 48
	}
	if cfg.ContextLength == 0 {
		cfg.ContextLength = 512
	}
	return &Model{
		layers: cfg.Layers,
		dims:   cfg.Dims,
		vocab:  cfg.Vocab,
		ctxLen: cfg.ContextLength,
		dtype:  cfg.CacheDType,
	}
}

func (m *Model) NumLayers() int     { return m.layers }
func (m *Model) ContextLength() int { return m.ctxLen }
func (m *Model) VocabSize() int     { return m.vocab }

func (m *Model) NewCache() *kvcache.Cache {
	return kvcache.NewCache(m.layers, m.dims, m.dtype)
}

// param derives a fixed pseudo-weight from its coordinates.
func param(a, b, salt int) float32 {
	return float32(math.Sin(float64(a*131 + b*31 + salt*17)))
}

func (m *Model) embed(tok int32) []float32 {
	h := make([]float32, m.dims)
	for i := range h {
		h[i] = float32(math.Sin(float64(int(tok)*37 + i*11)))
	}
	return h
}

func (m *Model) keyVec(layer int, h []float32) []float32 {
	k := make([]float32, m.dims)
	for i := range k {
		k[i] = h[i]*param(layer, i, 1) + param(layer, i, 2)
	}
	return k
}

func (m *Model) valueVec(layer int, h []float32) []float32 {
	v := make([]float32, m.dims)
	for i := range v {
		v[i] = float32(math.Tanh(float64(h[i] + param(layer, i, 3))))
	}
	return v
}

// attend runs softmax attention for one layer at position pos: the
// current key/value plus history rows [0, pos) from the cache.
func (m *Model) attend(layer, pos int, k, v []float32, cache *kvcache.Cache) []float32 {
	scale := 1 / math.Sqrt(float64(m.dims))

	scores := make([]float64, pos+1)
	for j := 0; j < pos; j++ {
		kj := cache.Key(layer, j)
		var dot float64
		for i := range k {
			dot += float64(k[i]) * float64(kj[i])
		}
		scores[j] = dot * scale
	}
	var self float64
	for i := range k {
		self += float64(k[i]) * float64(k[i])
	}
	scores[pos] = self * scale

	maxScore := scores[0]
	for _, s := range scores[1:] {
		if s > maxScore {
			maxScore = s
		}
	}
	weights := make([]float64, len(scores))
	var sum float64
	for j, s := range scores {
		weights[j] = math.Exp(s - maxScore)
		sum += weights[j]
	}

	attn := make([]float32, m.dims)
	for j := 0; j <= pos; j++ {
		vj := v
		if j < pos {
			vj = cache.Value(layer, j)
		}
		w := float32(weights[j] / sum)
		for i := range attn {
			attn[i] += w * vj[i]
		}
	}
	return attn
}

func (m *Model) applyLayer(layer int, h, attn []float32) []float32 {
	out := make([]float32, m.dims)
	gain := param(layer, 0, 4)
	for i := range out {
		out[i] = h[i] + 0.5*float32(math.Tanh(float64(attn[i]*gain+param(layer, i, 5))))
	}
	return out
}

func (m *Model) project(h []float32) []float32 {
	logits := make([]float32, m.vocab)
	for v := range logits {
		var dot float32
		for i := range h {
			dot += h[i] * float32(math.Sin(float64(v*53+i*29+v*i)))
		}
		logits[v] = dot / float32(m.dims)
	}
	return logits
}

func (m *Model) Forward(ctx context.Context, req model.ForwardRequest) (*model.ForwardResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.SkipMask != nil && len(req.SkipMask) != m.layers {
		return nil, fmt.Errorf("synthetic: skip mask has %d entries, model has %d layers", len(req.SkipMask), m.layers)
	}

	start := req.Cache.Len()
	if start+len(req.Inputs) > m.ctxLen {
		return nil, fmt.Errorf("synthetic: sequence length %d exceeds context length %d", start+len(req.Inputs), m.ctxLen)
	}

	out := &model.ForwardResult{
		Logits: make([][]float32, len(req.Inputs)),
	}
	if req.WantHiddenStates {
		out.HiddenStates = make([][][]float32, len(req.Inputs))
	}

	for i, tok := range req.Inputs {
		pos := start + i
		h := m.embed(tok)

		var boundaries [][]float32
		if req.WantHiddenStates {
			boundaries = make([][]float32, 0, m.layers+1)
			boundaries = append(boundaries, append([]float32(nil), h...))
		}

		for layer := 0; layer < m.layers; layer++ {
			k := m.keyVec(layer, h)
			v := m.valueVec(layer, h)
			req.Cache.Put(layer, pos, k, v)

			if req.SkipMask == nil || !req.SkipMask[layer] {
				attn := m.attend(layer, pos, k, v, req.Cache)
				h = m.applyLayer(layer, h, attn)
			}

			if req.WantHiddenStates {
				boundaries = append(boundaries, append([]float32(nil), h...))
			}
		}

		out.Logits[i] = m.project(h)
		if req.WantHiddenStates {
			out.HiddenStates[i] = boundaries
		}
	}

	req.Cache.Advance(len(req.Inputs))
	return out, nil
}

// ForwardLayer applies one layer to a batch of alternative hidden
// states at the position following the cache's logical length. It
// reads history from the cache but does not extend it, so the batch
// states stay independent.
func (m *Model) ForwardLayer(ctx context.Context, layer int, states [][]float32, cache *kvcache.Cache) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pos := cache.Len()
	out := make([][]float32, len(states))
	for i, h := range states {
		k := m.keyVec(layer, h)
		v := m.valueVec(layer, h)
		attn := m.attend(layer, pos, k, v, cache)
		out[i] = m.applyLayer(layer, h, attn)
	}
	return out, nil
}

// Tokenizer hashes whitespace-separated words into the synthetic
// vocabulary. Ids 0-2 are reserved; 2 is the end-of-sequence marker.
type Tokenizer struct {
	vocab int
}

func NewTokenizer(vocab int) *Tokenizer {
	if vocab == 0 {
		vocab = 48
	}
	return &Tokenizer{vocab: vocab}
}

func (t *Tokenizer) EOS() int32 { return 2 }

func (t *Tokenizer) Encode(s string) []int32 {
	fields := strings.Fields(s)
	ids := make([]int32, 0, len(fields))
	for _, f := range fields {
		h := fnv.New32a()
		h.Write([]byte(f))
		ids = append(ids, int32(3+h.Sum32()%uint32(t.vocab-3)))
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int32) string {
	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "tok%d", id)
	}
	return sb.String()
}
