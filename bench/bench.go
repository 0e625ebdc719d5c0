// Package bench runs a batch of prompts through the speculative
// decoder and reports acceptance and throughput statistics. Questions
// come in as JSONL, answers go out as JSONL, and the summary renders
// as a table.
package bench

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/claspdev/clasp/api"
	"github.com/claspdev/clasp/decode"
	"github.com/claspdev/clasp/format"
	"github.com/claspdev/clasp/model"
)

type Config struct {
	Questions string         `yaml:"questions"`
	Answers   string         `yaml:"answers"`
	Options   map[string]any `yaml:"options"`

	// NumChoices is how many completions each question gets; every
	// choice runs on a fresh session. Defaults to 1.
	NumChoices int `yaml:"num_choices"`

	// Warmup questions run before measurement starts and are not
	// reported.
	Warmup int `yaml:"warmup"`
}

func LoadConfig(path string) (*Config, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(bts, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Questions == "" {
		return nil, fmt.Errorf("%s: questions file is required", path)
	}
	if cfg.NumChoices <= 0 {
		cfg.NumChoices = 1
	}
	return &cfg, nil
}

type Question struct {
	ID   string `json:"question_id"`
	Text string `json:"text"`
}

type Answer struct {
	ID         string   `json:"answer_id"`
	QuestionID string   `json:"question_id"`
	Choices    []Choice `json:"choices"`
}

// Choice is one completion of a question, with its per-run statistics.
type Choice struct {
	Index int    `json:"index"`
	Text  string `json:"text"`

	Steps           int     `json:"steps"`
	Generated       int     `json:"generated_tokens"`
	AcceptedPerStep float64 `json:"accepted_per_step"`
	TokensPerSec    float64 `json:"tokens_per_second"`
}

func LoadQuestions(path string) ([]Question, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var questions []Question
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var q Question
		if err := json.Unmarshal([]byte(line), &q); err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, len(questions)+1, err)
		}
		if q.Text == "" {
			return nil, fmt.Errorf("%s line %d: empty question text", path, len(questions)+1)
		}
		questions = append(questions, q)
	}
	return questions, scanner.Err()
}

func WriteAnswers(path string, answers []Answer) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, a := range answers {
		if err := enc.Encode(a); err != nil {
			return err
		}
	}
	return nil
}

func LoadAnswers(path string) ([]Answer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var answers []Answer
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var a Answer
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, scanner.Err()
}

// ReorgAnswers rewrites an answer file ordered by question id, keeping
// only the newest answer when a question appears more than once, so a
// rerun that revisits part of the set replaces its stale entries and
// the result diffs cleanly.
func ReorgAnswers(path string) error {
	answers, err := LoadAnswers(path)
	if err != nil {
		return err
	}

	latest := make(map[string]Answer, len(answers))
	for _, a := range answers {
		latest[a.QuestionID] = a
	}

	answers = answers[:0]
	for _, a := range latest {
		answers = append(answers, a)
	}
	slices.SortStableFunc(answers, func(a, b Answer) int {
		return strings.Compare(a.QuestionID, b.QuestionID)
	})
	return WriteAnswers(path, answers)
}

type Runner struct {
	Model     model.Model
	Tokenizer model.Tokenizer
	Options   api.Options
	Strict    bool

	// NumChoices is the number of completions per question; values
	// below 1 behave as 1.
	NumChoices int
}

type Summary struct {
	Questions    int
	TotalTokens  int
	TotalSteps   int
	MeanAccepted float64
	Duration     time.Duration
}

func (s Summary) TokensPerSecond() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.TotalTokens) / s.Duration.Seconds()
}

// Run answers every question in order, generating NumChoices
// completions per question. Each completion gets a fresh session so
// acceptance statistics never leak across runs.
func (r *Runner) Run(ctx context.Context, questions []Question) ([]Answer, Summary, error) {
	answers := make([]Answer, 0, len(questions))
	var summary Summary
	start := time.Now()

	numChoices := max(r.NumChoices, 1)
	for i, q := range questions {
		prompt := r.Tokenizer.Encode(q.Text)
		if len(prompt) == 0 {
			slog.Warn("skipping question with no tokens", "question", q.ID)
			continue
		}

		choices := make([]Choice, 0, numChoices)
		for choice := range numChoices {
			sess := decode.New(r.Model, r.Tokenizer, r.Options)
			sess.Strict = r.Strict
			res, err := sess.Generate(ctx, prompt)
			if err != nil {
				return answers, summary, fmt.Errorf("question %d (%s) choice %d: %w", i+1, q.ID, choice, err)
			}

			choices = append(choices, Choice{
				Index:           choice,
				Text:            r.Tokenizer.Decode(res.GeneratedTokens(len(prompt))),
				Steps:           res.Steps,
				Generated:       res.Generated,
				AcceptedPerStep: res.MeanAccepted(),
				TokensPerSec:    res.Timings.TokensPerSecond(res.Generated),
			})

			summary.TotalTokens += res.Generated
			summary.TotalSteps += res.Steps
		}

		answers = append(answers, Answer{
			ID:         uuid.New().String(),
			QuestionID: q.ID,
			Choices:    choices,
		})

		summary.Questions++
		slog.Debug("question answered", "question", q.ID, "choices", len(choices))
	}

	summary.Duration = time.Since(start)
	if summary.TotalSteps > 0 {
		summary.MeanAccepted = float64(summary.TotalTokens) / float64(summary.TotalSteps)
	}
	return answers, summary, nil
}

func (s Summary) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"questions", "tokens", "steps", "accepted/step", "tok/s", "duration"})
	table.Append([]string{
		fmt.Sprintf("%d", s.Questions),
		fmt.Sprintf("%d", s.TotalTokens),
		fmt.Sprintf("%d", s.TotalSteps),
		fmt.Sprintf("%.2f", s.MeanAccepted),
		fmt.Sprintf("%.1f", s.TokensPerSecond()),
		format.StepDuration(s.Duration),
	})
	table.Render()
}
