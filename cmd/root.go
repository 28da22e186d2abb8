package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"parley/internal/config"
	"parley/internal/log"
	"parley/internal/models"
	"parley/internal/provider"
)

const defaultConfigPath = "parley.yaml"

type rootOptions struct {
	configPath string
	verbose    bool
	quiet      bool
	noColor    bool
}

// NewRootCmd builds the parley command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "parley",
		Short: "Hold conversations with OpenAI-compatible, Anthropic and Gemini models",
		Long: `parley keeps a conversation with a configured LLM provider.

Use "chat" for an interactive session, "models" to list what a provider
offers and "serve" to expose sessions over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			log.Setup(opts.verbose, opts.quiet)
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", envOr("PARLEY_CONFIG", defaultConfigPath), "path to YAML or TOML configuration")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "only log warnings and errors")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(newChatCmd(opts), newModelsCmd(opts), newServeCmd(opts))
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status: 130 after an
// interrupt, 2 for bad input or a missing credential, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, provider.ErrCancelled):
		return 130
	case errors.Is(err, provider.ErrInvalidArgument), errors.Is(err, provider.ErrUnauthenticated):
		return 2
	default:
		return 1
	}
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

type samplingFlags struct {
	temperature float64
	topP        float64
	topK        int
	maxTokens   int
}

func (s *samplingFlags) register(fs *pflag.FlagSet) {
	fs.Float64Var(&s.temperature, "temperature", 0, "sampling temperature for every turn")
	fs.Float64Var(&s.topP, "top-p", 0, "nucleus sampling probability")
	fs.IntVar(&s.topK, "top-k", 0, "top-k sampling (anthropic and gemini)")
	fs.IntVar(&s.maxTokens, "max-tokens", 0, "maximum tokens per reply")
}

// sampling returns only the values set on the command line so configured
// and provider defaults still apply to the rest.
func (s *samplingFlags) sampling(fs *pflag.FlagSet) models.Sampling {
	var out models.Sampling
	if fs.Changed("temperature") {
		out.Temperature = models.Float(s.temperature)
	}
	if fs.Changed("top-p") {
		out.TopP = models.Float(s.topP)
	}
	if fs.Changed("top-k") {
		out.TopK = models.Int(s.topK)
	}
	if fs.Changed("max-tokens") {
		out.MaxTokens = models.Int(s.maxTokens)
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
