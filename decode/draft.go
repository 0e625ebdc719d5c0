package decode

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/claspdev/clasp/logutil"
	"github.com/claspdev/clasp/model"
)

const (
	maxLookaheadNgram = 3
	maxLookaheadCopy  = 10
)

type draftExit int

const (
	exitLength draftExit = iota
	exitConfidence
	exitEOS
	exitBudget
)

func (e draftExit) String() string {
	switch e {
	case exitConfidence:
		return "confidence"
	case exitEOS:
		return "eos"
	case exitBudget:
		return "budget"
	default:
		return "length"
	}
}

// draft runs the skip-masked model autoregressively on a forked cache
// and returns the proposed continuation. A draft length of zero
// disables speculation entirely and the step degrades to committing a
// single verified token.
func (s *Session) draft(ctx context.Context) ([]int32, error) {
	k := s.opts.DraftLength
	if k <= 0 {
		return nil, nil
	}

	fork := s.cache.Fork()
	tokens := make([]int32, 0, k)
	exit := exitLength

	input := s.seq[len(s.seq)-1]
	for len(tokens) < k {
		res, err := s.model.Forward(ctx, model.ForwardRequest{
			Inputs:   []int32{input},
			Cache:    fork,
			SkipMask: s.mask,
		})
		if err != nil {
			return nil, err
		}
		if len(res.Logits) != 1 {
			return nil, fmt.Errorf("draft pass returned %d logits rows, want 1", len(res.Logits))
		}

		tok, top1, err := s.sampler.SampleWithProb(res.Logits[0])
		if err != nil {
			return nil, err
		}

		tokens = append(tokens, tok)

		// A low-confidence token ends the draft but stays in it; the
		// verifier still rules on it.
		if s.opts.DraftExitThreshold > 0 && top1 < float32(s.opts.DraftExitThreshold) {
			exit = exitConfidence
			break
		}
		if tok == s.tok.EOS() {
			exit = exitEOS
			break
		}
		if len(tokens)+s.generated >= s.maxNewTokens-2 {
			exit = exitBudget
			break
		}
		input = tok
	}

	// The lookahead only extends drafts that stopped for reasons the
	// verifier can recover from. An end-of-sequence or exhausted budget
	// leaves nothing worth extending.
	if s.opts.HorizontalCascade && exit != exitEOS && exit != exitBudget {
		before := len(tokens)
		tokens = s.lookahead(tokens)
		if len(tokens) > before {
			slog.Debug("lookahead extended draft", "from", before, "to", len(tokens))
		}
	}

	logutil.Trace("draft complete", "tokens", len(tokens), "exit", exit.String())
	return tokens, nil
}

// lookahead extends the draft by prompt-lookup decoding: it finds the
// most recent earlier occurrence of the current suffix n-gram in the
// committed sequence plus draft, and copies the tokens that followed
// it. Longer n-grams are preferred; within an n-gram size the most
// recent match wins.
func (s *Session) lookahead(tokens []int32) []int32 {
	budget := s.maxNewTokens - len(tokens) - s.generated - 2
	maxPred := min(maxLookaheadCopy, budget)
	if maxPred <= 0 {
		return tokens
	}

	all := make([]int32, 0, len(s.seq)+len(tokens))
	all = append(all, s.seq...)
	all = append(all, tokens...)

	for n := min(maxLookaheadNgram, len(all)-1); n >= 1; n-- {
		suffix := all[len(all)-n:]
		for start := len(all) - n - 1; start >= 0; start-- {
			if !slices.Equal(all[start:start+n], suffix) {
				continue
			}
			end := min(start+n+maxPred, len(all))
			return append(tokens, all[start+n:end]...)
		}
	}
	return tokens
}
