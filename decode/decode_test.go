package decode

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/claspdev/clasp/api"
	"github.com/claspdev/clasp/kvcache"
	"github.com/claspdev/clasp/model"
	"github.com/claspdev/clasp/model/synthetic"
)

// scriptModel produces a fixed ground-truth continuation. The full
// model follows the full table and the draft passes follow the draft
// table, so tests control exactly where a draft diverges from the
// verifier. Draft passes are recognized by running on a forked cache.
type scriptModel struct {
	vocab  int
	layers int
	dims   int
	ctxLen int

	// full[pos] is the arg-max token once pos+1 tokens are consumed.
	full  []int32
	draft []int32

	// low-confidence draft logits trigger the confidence exit, either
	// everywhere or only at specific positions
	draftConfident bool
	lowConfAt      map[int]bool

	canonical *kvcache.Cache
}

func newScriptModel(full, draft []int32) *scriptModel {
	return &scriptModel{
		vocab:          16,
		layers:         4,
		dims:           4,
		ctxLen:         256,
		full:           full,
		draft:          draft,
		draftConfident: true,
	}
}

func (m *scriptModel) NumLayers() int     { return m.layers }
func (m *scriptModel) ContextLength() int { return m.ctxLen }
func (m *scriptModel) VocabSize() int     { return m.vocab }

func (m *scriptModel) NewCache() *kvcache.Cache {
	return kvcache.NewCache(m.layers, m.dims, kvcache.DTypeF32)
}

func (m *scriptModel) logitsAt(table []int32, pos int, confident bool) []float32 {
	target := int32(2) // end of sequence once the script runs out
	if pos < len(table) {
		target = table[pos]
	}
	logits := make([]float32, m.vocab)
	if confident {
		logits[target] = 10
	} else {
		logits[target] = 0.1
	}
	return logits
}

func (m *scriptModel) Forward(ctx context.Context, req model.ForwardRequest) (*model.ForwardResult, error) {
	if m.canonical == nil {
		m.canonical = req.Cache
	}
	table, confident := m.full, true
	if req.Cache != m.canonical {
		table, confident = m.draft, m.draftConfident
	}

	start := req.Cache.Len()
	out := &model.ForwardResult{Logits: make([][]float32, len(req.Inputs))}
	if req.WantHiddenStates {
		out.HiddenStates = make([][][]float32, len(req.Inputs))
	}
	for i := range req.Inputs {
		rowConfident := confident && !m.lowConfAt[start+i]
		out.Logits[i] = m.logitsAt(table, start+i, rowConfident)
		if req.WantHiddenStates {
			states := make([][]float32, m.layers+1)
			for b := range states {
				states[b] = []float32{float32(start + i), float32(b), 1, 0}
			}
			out.HiddenStates[i] = states
		}
	}
	req.Cache.Advance(len(req.Inputs))
	return out, nil
}

func scriptOptions() api.Options {
	opts := api.DefaultOptions()
	opts.SkipRatio = 0
	opts.DraftLength = 4
	opts.DraftExitThreshold = 0
	opts.MaxNewTokens = 16
	return opts
}

// cycleTable returns a ground-truth table continuing the repeating
// sequence 5, 6, 7 from any position.
func cycleTable(n int) []int32 {
	cycle := []int32{5, 6, 7}
	table := make([]int32, n)
	for pos := range table {
		table[pos] = cycle[(pos+1)%3]
	}
	return table
}

func TestGenerateMatchesFullModel(t *testing.T) {
	// whatever the draft proposes, the committed tokens must be exactly
	// what the full model would have produced on its own
	full := cycleTable(64)
	for name, draft := range map[string][]int32{
		"perfect draft":   cycleTable(64),
		"useless draft":   make([]int32, 64), // always proposes token 0
		"late divergence": append(cycleTable(6), make([]int32, 58)...),
	} {
		t.Run(name, func(t *testing.T) {
			m := newScriptModel(full, draft)
			sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
			sess.Strict = true

			prompt := []int32{5, 6, 7}
			res, err := sess.Generate(context.Background(), prompt)
			if err != nil {
				t.Fatal(err)
			}

			got := res.GeneratedTokens(len(prompt))
			want := make([]int32, len(got))
			for i := range want {
				want[i] = full[len(prompt)-1+i]
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("generated tokens diverged from the full model (-want +got):\n%s", diff)
			}
			if res.Generated < scriptOptions().MaxNewTokens {
				t.Errorf("generated %d tokens, want at least %d", res.Generated, scriptOptions().MaxNewTokens)
			}
		})
	}
}

func TestPerfectDraftAcceptsEverything(t *testing.T) {
	m := newScriptModel(cycleTable(64), cycleTable(64))
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	// early steps run a full-length draft and commit all of it plus the
	// bonus; later steps shorten the draft as the token budget runs out
	if len(res.AcceptLengths) < 2 {
		t.Fatalf("only %d steps ran", len(res.AcceptLengths))
	}
	for i, n := range res.AcceptLengths[:2] {
		if n != scriptOptions().DraftLength+1 {
			t.Errorf("step %d committed %d tokens, want %d", i, n, scriptOptions().DraftLength+1)
		}
	}
	if rate := sess.FirstAcceptRate(); rate != 1 {
		t.Errorf("first-accept rate = %v, want 1", rate)
	}
}

func TestMismatchCommitsCorrection(t *testing.T) {
	// draft diverges at its third proposal: exactly two tokens accepted,
	// and the committed third token is the verifier's, not the draft's
	full := cycleTable(64)
	draft := cycleTable(64)
	draft[5] = 9 // first draft step covers positions 4..7

	m := newScriptModel(full, draft)
	opts := scriptOptions()
	opts.MaxNewTokens = 6
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	prompt := []int32{5, 6, 7}
	res, err := sess.Generate(context.Background(), prompt)
	if err != nil {
		t.Fatal(err)
	}

	if res.AcceptLengths[0] != 3 {
		t.Errorf("first step committed %d tokens, want 3 (two accepted draft tokens plus the correction)", res.AcceptLengths[0])
	}
	got := res.GeneratedTokens(len(prompt))
	if got[3] != full[5] {
		t.Errorf("corrected token = %d, want the verifier's %d", got[3], full[5])
	}
}

func TestZeroDraftLengthCommitsOneTokenPerStep(t *testing.T) {
	m := newScriptModel(cycleTable(64), cycleTable(64))
	opts := scriptOptions()
	opts.DraftLength = 0
	opts.HorizontalCascade = true // must stay inert without a draft
	opts.MaxNewTokens = 8
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	for i, n := range res.AcceptLengths {
		if n != 1 {
			t.Errorf("step %d committed %d tokens, want exactly 1", i, n)
		}
	}
	if res.Steps != res.Generated-1 {
		t.Errorf("steps = %d, generated = %d, want one commit per step after prefill", res.Steps, res.Generated)
	}
}

func TestMaxNewTokensTerminates(t *testing.T) {
	m := newScriptModel(cycleTable(128), cycleTable(128))
	opts := scriptOptions()
	opts.MaxNewTokens = 5
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}
	if res.Generated < 5 {
		t.Errorf("stopped at %d tokens, want at least 5", res.Generated)
	}
	// a step may overshoot by its correction or bonus token, never more
	if res.Generated > 6 {
		t.Errorf("generated %d tokens, budget was 5", res.Generated)
	}
}

func TestEOSStopsGeneration(t *testing.T) {
	full := cycleTable(64)
	full[6] = 2 // end of sequence partway through the script
	m := newScriptModel(full, full)
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	var sawEOS bool
	for _, tok := range res.Tokens {
		if tok == 2 {
			sawEOS = true
		}
	}
	if !sawEOS {
		t.Fatal("end-of-sequence token was never committed")
	}
	// the step that commits EOS may also commit its bonus token
	if res.Generated > 6 {
		t.Errorf("generated %d tokens past an early end of sequence", res.Generated)
	}
}

func TestConfidenceExitShortensDraft(t *testing.T) {
	m := newScriptModel(cycleTable(64), cycleTable(64))
	m.draftConfident = false

	opts := scriptOptions()
	opts.DraftExitThreshold = 0.7
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	// every draft pass is below the threshold, so each draft carries
	// exactly the one low-confidence token and each step commits it
	// plus the bonus
	for i, n := range res.AcceptLengths {
		if n > 2 {
			t.Errorf("step %d committed %d tokens, want at most 2 under the confidence exit", i, n)
		}
	}
}

func TestConfidenceExitStopsOnFirstToken(t *testing.T) {
	// only the first draft position is low confidence; the draft must
	// stop right after proposing that token instead of running to K
	m := newScriptModel(cycleTable(64), cycleTable(64))
	m.lowConfAt = map[int]bool{3: true} // first draft position after a 3-token prompt and prefill

	opts := scriptOptions()
	opts.DraftExitThreshold = 0.7
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	// the token is still proposed and, being correct, accepted with the
	// bonus; a draft that ran to K would commit K+1 here
	if res.AcceptLengths[0] != 2 {
		t.Errorf("first step committed %d tokens, want 2 (the low-confidence token plus the bonus)", res.AcceptLengths[0])
	}
}

func TestCacheDesyncWarnsWithExpectedLength(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	m := newScriptModel(cycleTable(64), cycleTable(64))
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
	sess.cache = m.NewCache()
	m.canonical = sess.cache
	sess.cache.Advance(2) // one short of what the committed sequence implies
	sess.seq = []int32{5, 6, 7, 5}
	sess.generated = 1
	sess.maxNewTokens = 16

	// non-strict sessions log the mismatch and keep going
	if _, err := sess.step(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "expected=3") {
		t.Errorf("desync warning does not name the expected cache length:\n%s", buf.String())
	}
}

func TestLookaheadExtendsRepetitiveDraft(t *testing.T) {
	m := newScriptModel(cycleTable(128), cycleTable(128))
	opts := scriptOptions()
	opts.DraftLength = 2
	opts.HorizontalCascade = true
	opts.MaxNewTokens = 32
	sess := New(m, synthetic.NewTokenizer(16), opts)
	sess.Strict = true

	res, err := sess.Generate(context.Background(), []int32{5, 6, 7})
	if err != nil {
		t.Fatal(err)
	}

	var extended bool
	for _, n := range res.AcceptLengths {
		if n > opts.DraftLength+1 {
			extended = true
		}
	}
	if !extended {
		t.Errorf("no step committed more than draft length plus one, lookahead never helped: %v", res.AcceptLengths)
	}
}

func TestOnCommitStreamsEveryToken(t *testing.T) {
	m := newScriptModel(cycleTable(64), cycleTable(64))
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
	sess.Strict = true

	var streamed []int32
	sess.OnCommit = func(tokens []int32) {
		streamed = append(streamed, tokens...)
	}

	prompt := []int32{5, 6, 7}
	res, err := sess.Generate(context.Background(), prompt)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(res.GeneratedTokens(len(prompt)), streamed); diff != "" {
		t.Errorf("streamed tokens differ from the result (-want +got):\n%s", diff)
	}
}

func TestCancellationReturnsPartialResult(t *testing.T) {
	m := newScriptModel(cycleTable(128), cycleTable(128))
	opts := scriptOptions()
	opts.MaxNewTokens = 64
	sess := New(m, synthetic.NewTokenizer(16), opts)

	ctx, cancel := context.WithCancel(context.Background())
	sess.OnCommit = func([]int32) { cancel() }

	res, err := sess.Generate(ctx, []int32{5, 6, 7})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res == nil || res.Generated == 0 {
		t.Fatal("expected a partial result with the prefill token")
	}
}

func TestSessionSingleUse(t *testing.T) {
	m := newScriptModel(cycleTable(64), cycleTable(64))
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())

	if _, err := sess.Generate(context.Background(), []int32{5, 6}); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Generate(context.Background(), []int32{5, 6}); err == nil {
		t.Fatal("second Generate on the same session should fail")
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	m := newScriptModel(cycleTable(8), cycleTable(8))
	sess := New(m, synthetic.NewTokenizer(16), scriptOptions())
	if _, err := sess.Generate(context.Background(), nil); err == nil {
		t.Fatal("empty prompt should be rejected")
	}
}

func TestSyntheticEndToEndMatchesPlainDecoding(t *testing.T) {
	// the whole pipeline against the synthetic backend, skip mask
	// optimization included, must reproduce plain greedy decoding
	cfg := synthetic.Config{Layers: 6, Dims: 8, Vocab: 32, ContextLength: 128}
	prompt := synthetic.NewTokenizer(32).Encode("the quick brown fox jumps")

	opts := api.DefaultOptions()
	opts.SkipRatio = 0.5
	opts.DraftLength = 4
	opts.DraftExitThreshold = 0
	opts.MaxNewTokens = 12

	sess := New(synthetic.New(cfg), synthetic.NewTokenizer(32), opts)
	sess.Strict = true
	res, err := sess.Generate(context.Background(), prompt)
	if err != nil {
		t.Fatal(err)
	}
	got := res.GeneratedTokens(len(prompt))

	want := plainGreedy(t, synthetic.New(cfg), prompt, len(got))
	n := min(len(want), len(got))
	if diff := cmp.Diff(want[:n], got[:n]); diff != "" {
		t.Errorf("speculative output diverged from plain decoding (-want +got):\n%s", diff)
	}
}

// plainGreedy decodes one token at a time with the full model.
func plainGreedy(t *testing.T, m model.Model, prompt []int32, n int) []int32 {
	t.Helper()
	ctx := context.Background()
	cache := m.NewCache()

	res, err := m.Forward(ctx, model.ForwardRequest{Inputs: prompt, Cache: cache})
	if err != nil {
		t.Fatal(err)
	}

	var out []int32
	logits := res.Logits[len(res.Logits)-1]
	for len(out) < n {
		tok := argmax(logits)
		out = append(out, tok)
		if tok == 2 {
			break
		}
		res, err = m.Forward(ctx, model.ForwardRequest{Inputs: []int32{tok}, Cache: cache})
		if err != nil {
			t.Fatal(err)
		}
		logits = res.Logits[0]
	}
	return out
}

func argmax(logits []float32) int32 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int32(best)
}
