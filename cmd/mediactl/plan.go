package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/pipeline"
	"github.com/spf13/cobra"
)

func PlanCmd(cfg *config.Config) *cobra.Command {
	var (
		task    string
		prompt  string
		params  []string
		inputs  []string
		workDir string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the commands a placeholder job would run, without running them",
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, ok := pipeline.ModeForTask(task)
			if !ok {
				return fmt.Errorf("unknown task %q (known: %s)", task, strings.Join(pipeline.Tasks(), ", "))
			}
			parsed, err := parseParams(params)
			if err != nil {
				return err
			}
			abs := make([]string, len(inputs))
			for i, in := range inputs {
				if abs[i], err = filepath.Abs(in); err != nil {
					return err
				}
			}

			builder := pipeline.NewBuilder(pipeline.Options{
				FFmpegPath: cfg.Media.FFmpegPath,
				FontFile:   cfg.Media.FontFile,
			})
			plan, err := builder.Build(pipeline.Request{
				Mode:    mode,
				Prompt:  prompt,
				Params:  parsed,
				Inputs:  abs,
				WorkDir: workDir,
			})
			if err != nil {
				return err
			}

			fmt.Printf("mode: %s\n", plan.Mode)
			for i, step := range plan.Steps {
				fmt.Printf("\nstep %d/%d %s\n", i+1, len(plan.Steps), step.Name)
				for _, f := range step.Files {
					fmt.Printf("  file %s (%d bytes)\n", f.Path, len(f.Content))
				}
				fmt.Printf("  %s %s\n", step.Executable, strings.Join(step.Args, " "))
			}
			roles := make([]string, 0, len(plan.Outputs))
			for role := range plan.Outputs {
				roles = append(roles, role)
			}
			sort.Strings(roles)
			fmt.Println()
			for _, role := range roles {
				fmt.Printf("output %s: %s\n", role, plan.Outputs[role])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "Task or mode to plan")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt or caption text")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "Input file path (repeatable)")
	cmd.Flags().StringVar(&workDir, "work-dir", filepath.Join(".", "outputs", ".work", "plan"), "Scratch directory used in the printed paths")
	cmd.MarkFlagRequired("task")
	return cmd
}
