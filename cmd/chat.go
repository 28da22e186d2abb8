package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"parley/internal/client"
	"parley/internal/config"
	"parley/internal/models"
	"parley/internal/provider/factory"
)

type chatOptions struct {
	provider string
	model    string
	system   string
	stream   bool
	sampling samplingFlags
}

type chatSession struct {
	cl       *client.Client
	out      io.Writer
	stream   bool
	sampling models.Sampling

	prompt    *color.Color
	assistant *color.Color
	errColor  *color.Color
	dim       *color.Color
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to a configured provider",
		Long: `Start an interactive conversation with a configured provider.

With a message argument a single turn is sent and the reply printed.
Inside the prompt, lines starting with "/" are commands:
  /system <text>   replace the system instruction
  /clear           drop the conversation, keep the system instruction
  /history         print the conversation so far
  /models          list the provider's models
  /quit            leave`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			name, err := pickProvider(cfg, opts.provider)
			if err != nil {
				return err
			}
			if opts.model != "" {
				p := cfg.Providers[name]
				p.Model = opts.model
				cfg.Providers[name] = p
			}

			builder := factory.New(cfg, slog.Default())
			defer builder.Close()

			var extra []client.Option
			if cmd.Flags().Changed("system") {
				extra = append(extra, client.WithSystemInstruction(opts.system))
			}
			cl, err := builder.Build(name, extra...)
			if err != nil {
				return err
			}
			defer cl.Close()

			s := &chatSession{
				cl:        cl,
				out:       cmd.OutOrStdout(),
				stream:    opts.stream,
				sampling:  opts.sampling.sampling(cmd.Flags()),
				prompt:    color.New(color.FgCyan, color.Bold),
				assistant: color.New(color.FgGreen),
				errColor:  color.New(color.FgRed),
				dim:       color.New(color.Faint),
			}

			if len(args) > 0 {
				return s.turn(cmd.Context(), strings.Join(args, " "))
			}
			return s.loop(cmd.Context(), cmd.InOrStdin())
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&opts.provider, "provider", "P", "", "configured provider name (default: the only one configured)")
	fs.StringVarP(&opts.model, "model", "m", "", "override the configured model")
	fs.StringVarP(&opts.system, "system", "s", "", "system instruction for the conversation")
	fs.BoolVar(&opts.stream, "stream", false, "print the reply as it arrives")
	opts.sampling.register(fs)
	return cmd
}

func pickProvider(cfg config.Config, name string) (string, error) {
	if name != "" {
		if _, ok := cfg.Provider(name); !ok {
			return "", fmt.Errorf("%w: %s", factory.ErrUnknownProvider, name)
		}
		return name, nil
	}
	names := cfg.ProviderNames()
	if len(names) == 1 {
		return names[0], nil
	}
	return "", fmt.Errorf("several providers configured, choose one with --provider (%s)", strings.Join(names, ", "))
}

func (s *chatSession) loop(ctx context.Context, in io.Reader) error {
	_, _ = s.dim.Fprintf(s.out, "%s/%s, /quit to leave\n", s.cl.Provider(), s.cl.Model())

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		_, _ = s.prompt.Fprint(s.out, "you> ")
		if !scanner.Scan() {
			_, _ = fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := s.command(ctx, line)
			if err != nil {
				_, _ = s.errColor.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := s.turn(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			_, _ = s.errColor.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *chatSession) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/clear":
		s.cl.ClearHistory(true)
		_, _ = s.dim.Fprintln(s.out, "conversation cleared")
	case "/system":
		s.cl.SetSystemInstruction(arg)
		if arg == "" {
			_, _ = s.dim.Fprintln(s.out, "system instruction removed")
		} else {
			_, _ = s.dim.Fprintln(s.out, "system instruction set")
		}
	case "/history":
		for _, t := range s.cl.History() {
			_, _ = fmt.Fprintf(s.out, "%s: %s\n", s.dim.Sprint(string(t.Role())), t.Text())
		}
	case "/models":
		list, err := s.cl.ListModels(ctx)
		if err != nil {
			return false, err
		}
		for _, m := range list {
			_, _ = fmt.Fprintln(s.out, m.Name)
		}
	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
	return false, nil
}

func (s *chatSession) turn(ctx context.Context, text string) error {
	if !s.stream {
		reply, err := s.cl.SendTurn(ctx, text, s.sampling)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(s.out, "%s %s\n", s.assistant.Sprint("assistant>"), reply.Text)
		return nil
	}

	_, _ = s.assistant.Fprint(s.out, "assistant> ")
	_, err := s.cl.StreamTurn(ctx, text, s.sampling, func(chunk string) {
		_, _ = io.WriteString(s.out, chunk)
	})
	_, _ = fmt.Fprintln(s.out)
	return err
}
