package decode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/claspdev/clasp/model"
)

// verify runs one full-model pass over the last committed token plus
// the whole draft. Row k of the output scores the position after
// draft token k-1, so row k decides draft[k] and the final row carries
// the bonus distribution when the whole draft survives.
func (s *Session) verify(ctx context.Context, draft []int32) (*model.ForwardResult, error) {
	inputs := make([]int32, 0, len(draft)+1)
	inputs = append(inputs, s.seq[len(s.seq)-1])
	inputs = append(inputs, draft...)

	res, err := s.model.Forward(ctx, model.ForwardRequest{
		Inputs:           inputs,
		Cache:            s.cache,
		WantHiddenStates: true,
	})
	if err != nil {
		return nil, err
	}

	if len(res.Logits) != len(draft)+1 {
		if s.Strict {
			return nil, fmt.Errorf("%w: %d rows for %d inputs", ErrShapeMismatch, len(res.Logits), len(inputs))
		}
		slog.Warn("verification returned unexpected row count, accepting what is available",
			"rows", len(res.Logits), "inputs", len(inputs))
	}
	if len(res.Logits) == 0 {
		return nil, fmt.Errorf("%w: no logits rows", ErrShapeMismatch)
	}
	return res, nil
}

// accept walks the draft against the verifier's samples and returns
// the accepted prefix length, the token that ends the step (the
// verifier's correction on a mismatch, or its bonus token when the
// whole draft matched), and the hidden-state anchor for the next
// skip-mask optimization.
func (s *Session) accept(res *model.ForwardResult, draft []int32) (accepted int, final int32, anchor [][]float32, err error) {
	rows := res.Logits

	for k := 0; k < len(draft) && k < len(rows); k++ {
		tok, err := s.sampler.Sample(rows[k])
		if err != nil {
			return 0, 0, nil, err
		}
		if tok != draft[k] {
			return k, tok, anchorAt(res, k), nil
		}
	}

	accepted = min(len(draft), len(rows)-1)
	bonus, err := s.sampler.Sample(rows[len(rows)-1])
	if err != nil {
		return 0, 0, nil, err
	}
	return accepted, bonus, anchorAt(res, len(rows)-1), nil
}

func anchorAt(res *model.ForwardResult, row int) [][]float32 {
	if row < len(res.HiddenStates) {
		return res.HiddenStates[row]
	}
	return nil
}
