package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dunamismax/mediaflow/internal/app"
	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func ProvidersCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers with their tasks and availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			builder := pipeline.NewBuilder(pipeline.Options{
				FFmpegPath: cfg.Media.FFmpegPath,
				FontFile:   cfg.Media.FontFile,
			})
			registry := app.NewProviders(cfg, builder, logger)
			infos, err := registry.List(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tAVAILABLE\tTASKS\tNOTE")
			for _, info := range infos {
				id := info.ID
				if id == registry.DefaultID() {
					id += " (default)"
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", id, info.OK, strings.Join(info.Tasks, ","), info.Reason)
			}
			return tw.Flush()
		},
	}
}
