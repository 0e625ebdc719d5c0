package api

import (
	"fmt"
	"time"
)

// Options are the per-request generation knobs. Zero values are
// meaningful, so requests carry them as a map and merge over
// DefaultOptions via FromMap.
type Options struct {
	// SkipRatio is the fraction of layers bypassed while drafting.
	// The optimizer selects round(layers * SkipRatio) layers to skip.
	SkipRatio float64 `json:"skip_ratio" mapstructure:"skip_ratio"`

	// OptInterval is the number of accepted tokens between skip-mask
	// recomputations.
	OptInterval int `json:"opt_interval" mapstructure:"opt_interval"`

	// DraftLength is the maximum number of tokens drafted per step (K).
	DraftLength int `json:"draft_length_k" mapstructure:"draft_length_k"`

	// DraftExitThreshold stops drafting early once the top-1
	// probability of the draft distribution falls below it. Zero
	// disables the check.
	DraftExitThreshold float64 `json:"draft_exit_threshold" mapstructure:"draft_exit_threshold"`

	// HorizontalCascade enables the n-gram lookahead extension of the
	// draft batch.
	HorizontalCascade bool `json:"horizontal_cascade" mapstructure:"horizontal_cascade"`

	// VerticalCascade is reserved and currently has no effect.
	VerticalCascade bool `json:"vertical_cascade" mapstructure:"vertical_cascade"`

	MaxNewTokens int `json:"max_new_tokens" mapstructure:"max_new_tokens"`
	MaxSteps     int `json:"max_steps" mapstructure:"max_steps"`

	Seed        int     `json:"seed" mapstructure:"seed"`
	Temperature float32 `json:"temperature" mapstructure:"temperature"`
	TopP        float32 `json:"top_p" mapstructure:"top_p"`
}

func DefaultOptions() Options {
	return Options{
		SkipRatio:          0.5,
		OptInterval:        1,
		DraftLength:        8,
		DraftExitThreshold: 0.7,
		HorizontalCascade:  false,
		VerticalCascade:    false,
		MaxNewTokens:       1024,
		MaxSteps:           512,
		Seed:               -1,
		Temperature:        0.0,
		TopP:               0.85,
	}
}

type GenerateRequest struct {
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options"`

	// Stream defaults to true; set to false for a single final response.
	Stream *bool `json:"stream,omitempty"`
}

type GenerateResponse struct {
	ID       string `json:"id"`
	Response string `json:"response"`
	Done     bool   `json:"done"`

	// Populated on the final response.
	TotalSteps      int           `json:"total_steps,omitempty"`
	GeneratedTokens int           `json:"generated_tokens,omitempty"`
	AcceptedPerStep float64       `json:"accepted_per_step,omitempty"`
	TotalDuration   time.Duration `json:"total_duration,omitempty"`
}

type Error struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error code %d", e.Code)
	}
	return e.Message
}
