// Package cmd wires the command line interface: a local one-shot run
// command, the HTTP server, the benchmark harness, and an environment
// dump. All commands run against the built-in synthetic backend; real
// model backends plug in through the same interfaces.
package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/claspdev/clasp/api"
	"github.com/claspdev/clasp/bench"
	"github.com/claspdev/clasp/decode"
	"github.com/claspdev/clasp/envconfig"
	"github.com/claspdev/clasp/kvcache"
	"github.com/claspdev/clasp/logutil"
	"github.com/claspdev/clasp/model"
	"github.com/claspdev/clasp/model/synthetic"
	"github.com/claspdev/clasp/server"
)

func initLogging() {
	level := envconfig.LogLevel()
	slog.SetDefault(logutil.NewLogger(os.Stderr, level))
}

// optionsFromFlags merges flag values over the defaults. Only flags
// the user changed are applied, so defaults stay meaningful.
func optionsFromFlags(cmd *cobra.Command) (api.Options, error) {
	opts := api.DefaultOptions()
	m := map[string]any{}

	for flag, key := range map[string]string{
		"skip-ratio":     "skip_ratio",
		"draft-length":   "draft_length_k",
		"exit-threshold": "draft_exit_threshold",
		"opt-interval":   "opt_interval",
		"max-new-tokens": "max_new_tokens",
		"lookahead":      "horizontal_cascade",
		"temperature":    "temperature",
		"seed":           "seed",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			m[key] = f.Value.String()
		}
	}

	if err := opts.FromMap(m); err != nil {
		return opts, err
	}
	return opts, nil
}

func addGenerateFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("skip-ratio", 0.5, "Fraction of layers to skip while drafting")
	cmd.Flags().Int("draft-length", 8, "Maximum draft tokens per step")
	cmd.Flags().Float64("exit-threshold", 0.7, "Draft confidence exit threshold (0 disables)")
	cmd.Flags().Int("opt-interval", 1, "Accepted tokens between skip-mask optimizations")
	cmd.Flags().Int("max-new-tokens", 256, "Token budget for the generation")
	cmd.Flags().Bool("lookahead", false, "Extend drafts by n-gram lookup in the history")
	cmd.Flags().Float64("temperature", 0, "Sampling temperature (0 is greedy)")
	cmd.Flags().Int("seed", -1, "Sampling seed (-1 for nondeterministic)")
	cmd.Flags().Int("layers", 8, "Synthetic backend layer count")
	cmd.Flags().Bool("f16", false, "Store KV cache entries as half precision")
}

func backendFromFlags(cmd *cobra.Command) (model.Model, model.Tokenizer) {
	layers, _ := cmd.Flags().GetInt("layers")
	dtype := kvcache.DTypeF32
	if f16, _ := cmd.Flags().GetBool("f16"); f16 {
		dtype = kvcache.DTypeF16
	}
	m := synthetic.New(synthetic.Config{Layers: layers, CacheDType: dtype})
	return m, synthetic.NewTokenizer(m.VocabSize())
}

func RunHandler(cmd *cobra.Command, args []string) error {
	opts, err := optionsFromFlags(cmd)
	if err != nil {
		return err
	}

	m, tok := backendFromFlags(cmd)
	prompt := tok.Encode(args[0])
	if len(prompt) == 0 {
		return fmt.Errorf("prompt produced no tokens")
	}

	sess := decode.New(m, tok, opts)
	sess.Strict = envconfig.Strict
	sess.OnCommit = func(tokens []int32) {
		fmt.Fprintf(os.Stdout, "%s ", tok.Decode(tokens))
	}

	res, err := sess.Generate(cmd.Context(), prompt)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout)

	fmt.Fprintf(os.Stderr, "generated %d tokens in %d steps (%.2f accepted/step, %.1f tok/s)\n",
		res.Generated, res.Steps, res.MeanAccepted(), res.Timings.TokensPerSecond(res.Generated))
	return nil
}

func ServeHandler(cmd *cobra.Command, _ []string) error {
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		host = envconfig.Host
	}

	ln, err := net.Listen("tcp", host)
	if err != nil {
		return err
	}

	m, tok := backendFromFlags(cmd)
	return server.Serve(ln, server.New(m, tok, envconfig.NumParallel))
}

func BenchHandler(cmd *cobra.Command, args []string) error {
	cfg, err := bench.LoadConfig(args[0])
	if err != nil {
		return err
	}

	opts := api.DefaultOptions()
	if err := opts.FromMap(cfg.Options); err != nil {
		return err
	}

	questions, err := bench.LoadQuestions(cfg.Questions)
	if err != nil {
		return err
	}

	m, tok := backendFromFlags(cmd)
	runner := &bench.Runner{
		Model:      m,
		Tokenizer:  tok,
		Options:    opts,
		Strict:     envconfig.Strict,
		NumChoices: cfg.NumChoices,
	}

	if cfg.Warmup > 0 {
		n := min(cfg.Warmup, len(questions))
		if _, _, err := runner.Run(cmd.Context(), questions[:n]); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}

	answers, summary, err := runner.Run(cmd.Context(), questions)
	if err != nil {
		return err
	}

	if cfg.Answers != "" {
		if err := bench.WriteAnswers(cfg.Answers, answers); err != nil {
			return err
		}
		if err := bench.ReorgAnswers(cfg.Answers); err != nil {
			return err
		}
	}

	summary.WriteTable(os.Stdout)
	return nil
}

func EnvHandler(_ *cobra.Command, _ []string) error {
	for _, v := range envconfig.AsMap() {
		fmt.Fprintf(os.Stdout, "%s=%v  # %s\n", v.Name, v.Value, v.Description)
	}
	return nil
}

func NewCLI() *cobra.Command {
	initLogging()
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:   "clasp",
		Short: "Layer-skipping speculative decoder",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	runCmd := &cobra.Command{
		Use:   "run PROMPT",
		Short: "Generate a completion for a prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  RunHandler,
	}
	addGenerateFlags(runCmd)

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the generation server",
		Args:    cobra.NoArgs,
		RunE:    ServeHandler,
	}
	serveCmd.Flags().String("host", "", "Listen address (default from CLASP_HOST)")
	addGenerateFlags(serveCmd)

	benchCmd := &cobra.Command{
		Use:   "bench CONFIG",
		Short: "Run a benchmark described by a YAML config",
		Args:  cobra.ExactArgs(1),
		RunE:  BenchHandler,
	}
	addGenerateFlags(benchCmd)

	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Show environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	rootCmd.AddCommand(runCmd, serveCmd, benchCmd, envCmd)
	return rootCmd
}
