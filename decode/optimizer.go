package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/claspdev/clasp/kvcache"
	"github.com/claspdev/clasp/model"
)

// maybeOptimize refreshes the skip mask when enough tokens have been
// committed since the last optimization. Missing prerequisites (no
// anchor yet, or a model without per-layer compute) degrade to an
// empty mask rather than failing the step.
func (s *Session) maybeOptimize(ctx context.Context) error {
	if s.mask != nil && s.sinceOptim < s.opts.OptInterval {
		return nil
	}

	layers := s.model.NumLayers()
	skips := int(math.Round(float64(layers) * s.opts.SkipRatio))
	if skips > layers {
		skips = layers
	}
	if skips <= 0 {
		s.mask = make([]bool, layers)
		s.sinceOptim = 0
		s.window.reset()
		return nil
	}

	// sinceOptim is left alone so the optimization retries next step
	// once an anchor shows up
	if s.anchor == nil {
		slog.Warn("no anchor hidden states available, keeping the previous skip mask")
		return nil
	}

	lf, ok := s.model.(model.LayerForwarder)
	if !ok {
		if !s.warnedNoLayerCompute {
			slog.Warn("model does not expose per-layer compute, drafting without skips")
			s.warnedNoLayerCompute = true
		}
		s.mask = make([]bool, layers)
		s.sinceOptim = 0
		return nil
	}

	slog.Debug("optimizing skip mask",
		"layers", layers, "skips", skips,
		"window_steps", s.window.steps, "window_mean_accepted", s.window.meanAccepted())

	mask, err := SkipMask(ctx, lf, layers, skips, s.anchor, s.cache.Fork())
	if err != nil {
		if s.Strict {
			return fmt.Errorf("skip-mask optimization: %w", err)
		}
		slog.Warn("skip-mask optimization failed, keeping the previous mask", "error", err)
		return nil
	}

	s.mask = mask
	s.sinceOptim = 0
	s.window.reset()
	return nil
}

// cell is one dynamic-programming state: the hidden state reached at
// the current layer boundary with exactly j layers skipped so far.
type cell struct {
	state []float32
	ok    bool
}

// SkipMask selects which of the model's layers to bypass while
// drafting. It runs a dynamic program over (layer, skips-used) states:
// at each boundary a path either computes the next layer or skips it,
// and the surviving path per skip count is the one whose hidden state
// stays closest, by cosine similarity, to the full model's anchor
// trajectory. All live states for a layer are batched into a single
// ForwardLayer call. The cache must be a fork positioned at the anchor
// token; it is consumed by the call.
//
// The returned mask has one entry per layer with exactly skips entries
// set.
func SkipMask(ctx context.Context, lf model.LayerForwarder, layers, skips int, anchor [][]float32, cache *kvcache.Cache) ([]bool, error) {
	if len(anchor) != layers+1 {
		return nil, fmt.Errorf("anchor has %d boundaries, want %d", len(anchor), layers+1)
	}
	if skips < 0 || skips > layers {
		return nil, fmt.Errorf("cannot skip %d of %d layers", skips, layers)
	}

	anchorVecs := make([]*mat.VecDense, layers+1)
	for i, a := range anchor {
		anchorVecs[i] = toVec(a)
	}

	prev := make([]cell, skips+1)
	prev[0] = cell{state: anchor[0], ok: true}

	// skipped[i][j] records whether the best path into boundary i with
	// j skips arrived by skipping layer i-1.
	skipped := make([][]bool, layers+1)

	for i := 1; i <= layers; i++ {
		var batch [][]float32
		batchIdx := make([]int, 0, skips+1)
		for j, c := range prev {
			if c.ok {
				batch = append(batch, c.state)
				batchIdx = append(batchIdx, j)
			}
		}
		if len(batch) == 0 {
			return nil, errors.New("no live states in dynamic program")
		}

		computed, err := lf.ForwardLayer(ctx, i-1, batch, cache)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i-1, err)
		}
		if len(computed) != len(batch) {
			return nil, fmt.Errorf("layer %d returned %d states for %d inputs", i-1, len(computed), len(batch))
		}
		computedFor := make(map[int][]float32, len(batch))
		for bi, j := range batchIdx {
			computedFor[j] = computed[bi]
		}

		next := make([]cell, skips+1)
		skipped[i] = make([]bool, skips+1)
		for j := 0; j <= skips; j++ {
			var bestState []float32
			bestSim := math.Inf(-1)
			bestSkip := false

			if prev[j].ok {
				state := computedFor[j]
				bestState = state
				bestSim = cosine(toVec(state), anchorVecs[i])
			}
			if j > 0 && prev[j-1].ok {
				// ties go to computing, which pushes skips toward the
				// input layers where they cost the least accuracy
				if sim := cosine(toVec(prev[j-1].state), anchorVecs[i]); sim > bestSim {
					bestState = prev[j-1].state
					bestSim = sim
					bestSkip = true
				}
			}

			if bestState != nil {
				next[j] = cell{state: bestState, ok: true}
				skipped[i][j] = bestSkip
			}
		}
		prev = next
	}

	if !prev[skips].ok {
		return nil, fmt.Errorf("no feasible path skipping %d of %d layers", skips, layers)
	}

	mask := make([]bool, layers)
	for i, j := layers, skips; i >= 1; i-- {
		if skipped[i][j] {
			mask[i-1] = true
			j--
		}
	}
	return mask, nil
}

func toVec(v []float32) *mat.VecDense {
	out := mat.NewVecDense(len(v), nil)
	for i, x := range v {
		out.SetVec(i, float64(x))
	}
	return out
}

func cosine(a, b *mat.VecDense) float64 {
	na, nb := mat.Norm(a, 2), mat.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return mat.Dot(a, b) / (na * nb)
}
