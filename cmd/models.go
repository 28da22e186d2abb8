package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parley/internal/models"
	"parley/internal/provider/factory"
)

const modelsConcurrency = 4

type providerModels struct {
	name   string
	models []models.ModelDescriptor
	err    error
}

func newModelsCmd(root *rootOptions) *cobra.Command {
	var names []string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				names = cfg.ProviderNames()
			}

			builder := factory.New(cfg, slog.Default())
			defer builder.Close()

			results := make([]providerModels, len(names))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(modelsConcurrency)
			for i, name := range names {
				g.Go(func() error {
					results[i].name = name
					cl, err := builder.Build(name)
					if err != nil {
						results[i].err = err
						return nil
					}
					defer cl.Close()
					results[i].models, results[i].err = cl.ListModels(ctx)
					return nil
				})
			}
			_ = g.Wait()

			return printModels(cmd, results)
		},
	}

	cmd.Flags().StringSliceVarP(&names, "provider", "P", nil, "providers to query (default: all configured)")
	return cmd
}

func printModels(cmd *cobra.Command, results []providerModels) error {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, bold.Sprint("PROVIDER")+"\t"+bold.Sprint("MODEL")+"\t"+bold.Sprint("CONTEXT")+"\t"+bold.Sprint("DESCRIPTION"))

	var errs []error
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, r.err))
			_, _ = fmt.Fprintf(tw, "%s\t%s\t\t%s\n", r.name, red.Sprint("error"), r.err)
			continue
		}
		for _, m := range r.models {
			window := ""
			if m.ContextWindow > 0 {
				window = strconv.Itoa(m.ContextWindow)
			}
			desc := m.Description
			if desc == "" {
				desc = m.DisplayName
			}
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.name, m.Name, window, desc)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
