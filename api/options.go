package api

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// FromMap merges request-supplied options over o. Numeric types are
// decoded weakly so JSON numbers land in int and float fields alike.
func (o *Options) FromMap(m map[string]any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           o,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}

	return o.validate()
}

func (o *Options) validate() error {
	if o.SkipRatio < 0 || o.SkipRatio > 1 {
		return fmt.Errorf("skip_ratio must be in [0, 1], got %v", o.SkipRatio)
	}
	if o.DraftLength < 0 {
		return fmt.Errorf("draft_length_k must be >= 0, got %v", o.DraftLength)
	}
	if o.OptInterval < 1 {
		return fmt.Errorf("opt_interval must be >= 1, got %v", o.OptInterval)
	}
	if o.TopP < 0 || o.TopP > 1 {
		return fmt.Errorf("top_p must be in [0, 1], got %v", o.TopP)
	}
	if o.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be >= 1, got %v", o.MaxNewTokens)
	}
	if o.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be >= 1, got %v", o.MaxSteps)
	}
	return nil
}
