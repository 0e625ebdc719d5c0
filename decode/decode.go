// Package decode implements self-speculative decoding with adaptive
// layer skipping. Each step drafts tokens cheaply under a skip mask,
// verifies the whole draft in one full-model pass, and commits the
// longest verified prefix plus one correction or bonus token, so the
// output distribution always matches plain decoding with the full
// model.
package decode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/claspdev/clasp/api"
	"github.com/claspdev/clasp/kvcache"
	"github.com/claspdev/clasp/model"
	"github.com/claspdev/clasp/sample"
)

var (
	ErrCacheDesync   = errors.New("canonical cache length does not match committed sequence")
	ErrShapeMismatch = errors.New("verification output width mismatch")
)

// Session owns all mutable state for one generation request: the
// committed sequence, the skip mask, the canonical cache and the
// counters. Nothing is shared between sessions.
type Session struct {
	model   model.Model
	tok     model.Tokenizer
	opts    api.Options
	sampler sample.Sampler

	// Strict upgrades cache desync and verification shape mismatches
	// from logged warnings to returned errors.
	Strict bool

	// OnCommit, when set, is called with the tokens committed by each
	// step, in commit order. The prefill token is reported too.
	OnCommit func(tokens []int32)

	cache  *kvcache.Cache
	seq    []int32
	mask   []bool
	anchor [][]float32

	sinceOptim   int
	generated    int
	steps        int
	maxNewTokens int

	warnedNoLayerCompute bool

	window      windowStats
	acceptLens  []int
	firstAccept []bool
	timings     Timings
}

func New(m model.Model, tok model.Tokenizer, opts api.Options) *Session {
	return &Session{
		model:   m,
		tok:     tok,
		opts:    opts,
		sampler: sample.NewSampler(opts.Temperature, 0, opts.TopP, 0, opts.Seed),
	}
}

// Result is everything a session persists: the committed sequence and
// the step/acceptance statistics.
type Result struct {
	// Tokens is the full committed sequence, prompt included.
	Tokens []int32

	Generated     int
	Steps         int
	AcceptLengths []int
	Timings       Timings
}

// Generated returns only the tokens produced after the prompt.
func (r *Result) GeneratedTokens(promptLen int) []int32 {
	if promptLen > len(r.Tokens) {
		return nil
	}
	return r.Tokens[promptLen:]
}

// MeanAccepted is the average number of tokens committed per step,
// including the correction/bonus token.
func (r *Result) MeanAccepted() float64 {
	if len(r.AcceptLengths) == 0 {
		return 0
	}
	var sum int
	for _, n := range r.AcceptLengths {
		sum += n
	}
	return float64(sum) / float64(len(r.AcceptLengths))
}

// Generate runs prefill and then speculative steps until the token
// budget, the step budget, or an end-of-sequence token stops it.
// Cancellation is honored at step boundaries only; aborting mid-step
// would leave the cache length out of sync with the sequence. On
// cancellation the partial result is returned along with the error.
func (s *Session) Generate(ctx context.Context, prompt []int32) (*Result, error) {
	if len(prompt) == 0 {
		return nil, errors.New("decode: empty prompt")
	}
	if s.cache != nil {
		return nil, errors.New("decode: session already used")
	}

	start := time.Now()
	if err := s.prefill(ctx, prompt); err != nil {
		return nil, err
	}

	s.maxNewTokens = s.opts.MaxNewTokens
	if room := s.model.ContextLength() - len(prompt) - 1; s.maxNewTokens > room {
		slog.Warn("max_new_tokens exceeds the context window, clamping",
			"max_new_tokens", s.maxNewTokens, "prompt", len(prompt), "context", s.model.ContextLength())
		s.maxNewTokens = room
	}

	if s.seq[len(s.seq)-1] != s.tok.EOS() {
		for s.generated < s.maxNewTokens && s.steps < s.opts.MaxSteps {
			if err := ctx.Err(); err != nil {
				return s.result(), err
			}
			done, err := s.step(ctx)
			if err != nil {
				return s.result(), fmt.Errorf("step %d: %w", s.steps, err)
			}
			if done {
				break
			}
		}
	}

	s.timings.Total = time.Since(start)
	return s.result(), nil
}

func (s *Session) prefill(ctx context.Context, prompt []int32) error {
	start := time.Now()

	s.cache = s.model.NewCache()
	res, err := s.model.Forward(ctx, model.ForwardRequest{
		Inputs:           prompt,
		Cache:            s.cache,
		WantHiddenStates: true,
	})
	if err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	if len(res.Logits) == 0 {
		return fmt.Errorf("prefill: %w: no logits rows", ErrShapeMismatch)
	}

	first, err := s.sampler.Sample(res.Logits[len(res.Logits)-1])
	if err != nil {
		return fmt.Errorf("prefill: %w", err)
	}

	s.seq = append(slices.Clone(prompt), first)
	s.generated = 1
	if len(res.HiddenStates) > 0 {
		s.anchor = res.HiddenStates[len(res.HiddenStates)-1]
	} else {
		slog.Warn("no hidden states from prefill, skip-mask optimization deferred")
	}

	if s.OnCommit != nil {
		s.OnCommit([]int32{first})
	}

	s.timings.Prefill = time.Since(start)
	slog.Debug("prefill complete", "prompt", len(prompt), "duration", s.timings.Prefill)
	return nil
}

// step runs one draft/verify/accept/commit round. It reports done when
// an end-of-sequence token was committed.
func (s *Session) step(ctx context.Context) (bool, error) {
	s.steps++

	t := time.Now()
	if err := s.maybeOptimize(ctx); err != nil {
		return false, err
	}
	s.timings.Optimize += time.Since(t)

	t = time.Now()
	draft, err := s.draft(ctx)
	if err != nil {
		return false, fmt.Errorf("draft: %w", err)
	}
	s.timings.Draft += time.Since(t)

	// The canonical cache must trail the committed sequence by exactly
	// the one token the verify pass is about to consume.
	lengthBefore := s.cache.Len()
	if lengthBefore != len(s.seq)-1 {
		if s.Strict {
			return false, fmt.Errorf("%w: cache %d, committed %d", ErrCacheDesync, lengthBefore, len(s.seq))
		}
		slog.Warn("cache length does not match committed sequence, continuing with cache length",
			"cache", lengthBefore, "expected", len(s.seq)-1)
	}

	t = time.Now()
	vres, err := s.verify(ctx, draft)
	if err != nil {
		return false, fmt.Errorf("verify: %w", err)
	}
	s.timings.Verify += time.Since(t)

	t = time.Now()
	accepted, final, anchor, err := s.accept(vres, draft)
	if err != nil {
		return false, fmt.Errorf("accept: %w", err)
	}
	s.timings.Accept += time.Since(t)

	committed := append(slices.Clone(draft[:accepted]), final)
	s.seq = append(s.seq, committed...)
	s.cache.Commit(lengthBefore, accepted)

	s.generated += accepted + 1
	s.sinceOptim += accepted + 1
	s.acceptLens = append(s.acceptLens, accepted+1)
	s.window.observe(accepted+1, len(draft))
	if len(draft) > 0 {
		s.firstAccept = append(s.firstAccept, accepted > 0)
	}
	s.anchor = anchor

	if s.OnCommit != nil {
		s.OnCommit(committed)
	}

	slog.Debug("step committed", "step", s.steps, "drafted", len(draft),
		"accepted", accepted, "generated", s.generated)

	return slices.Contains(committed, s.tok.EOS()), nil
}

func (s *Session) result() *Result {
	return &Result{
		Tokens:        slices.Clone(s.seq),
		Generated:     s.generated,
		Steps:         s.steps,
		AcceptLengths: slices.Clone(s.acceptLens),
		Timings:       s.timings,
	}
}

// FirstAcceptRate is the fraction of drafting steps whose first draft
// token was accepted.
func (s *Session) FirstAcceptRate() float64 {
	if len(s.firstAccept) == 0 {
		return 0
	}
	var n int
	for _, ok := range s.firstAccept {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(s.firstAccept))
}
