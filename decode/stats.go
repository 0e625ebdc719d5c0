package decode

import "time"

// Timings breaks a generation down by phase. Phase durations overlap
// nothing; Total also covers loop bookkeeping between phases.
type Timings struct {
	Prefill  time.Duration
	Optimize time.Duration
	Draft    time.Duration
	Verify   time.Duration
	Accept   time.Duration
	Total    time.Duration
}

// TokensPerSecond reports throughput over the whole generation,
// prefill included.
func (t Timings) TokensPerSecond(generated int) float64 {
	if t.Total <= 0 {
		return 0
	}
	return float64(generated) / t.Total.Seconds()
}

// windowStats accumulates acceptance behavior since the last skip-mask
// optimization. It feeds the optimizer's debug log and resets when a
// new mask is installed.
type windowStats struct {
	steps    int
	accepted int
	drafted  int
}

func (w *windowStats) observe(accepted, drafted int) {
	w.steps++
	w.accepted += accepted
	w.drafted += drafted
}

func (w *windowStats) meanAccepted() float64 {
	if w.steps == 0 {
		return 0
	}
	return float64(w.accepted) / float64(w.steps)
}

func (w *windowStats) reset() {
	*w = windowStats{}
}
