package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/talgya/galactic-sim/internal/rules"
)

func addOutcomeFlags(cmd *cobra.Command, in *rules.OutcomeInput) {
	cmd.Flags().Float64VarP(&in.Difficulty, "difficulty", "d", 0, "task difficulty")
	cmd.Flags().Float64VarP(&in.SkillRank, "skill", "s", 0, "skill rank")
	cmd.Flags().Float64VarP(&in.ExpertiseRank, "expertise", "e", 0, "expertise rank")
	cmd.Flags().Float64VarP(&in.ToolQuality, "tool", "t", 0, "tool quality")
	cmd.Flags().Float64VarP(&in.Modifier, "modifier", "m", 0, "situational modifier")
}

func newPreviewCommand(opts *rootOptions) *cobra.Command {
	var in rules.OutcomeInput

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Preview outcome bands for an action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			p, err := opts.client().PreviewOutcome(ctx, in)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "score %.2f\n", p.Score)
			fmt.Fprintf(w, "  fail         %5.1f%%\n", p.Chance.Fail*100)
			fmt.Fprintf(w, "  complication %5.1f%%\n", p.Chance.Complication*100)
			fmt.Fprintf(w, "  success      %5.1f%%\n", p.Chance.Success*100)
			fmt.Fprintf(w, "  critical     %5.1f%%\n", p.Chance.Critical*100)
			return nil
		},
	}
	addOutcomeFlags(cmd, &in)
	return cmd
}

func newTTCCommand(opts *rootOptions) *cobra.Command {
	var in rules.TTCInput

	cmd := &cobra.Command{
		Use:   "ttc",
		Short: "Estimate time to complete an action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			p, err := opts.client().PreviewTTC(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%ds (optimistic %ds, pessimistic %ds, speed x%.2f)\n",
				p.TTCSec, p.OptimisticSec, p.PessimisticSec, p.SpeedFactor)
			return nil
		},
	}
	cmd.Flags().Float64VarP(&in.BaseSec, "base", "b", 60, "base time in seconds")
	cmd.Flags().Float64VarP(&in.Difficulty, "difficulty", "d", 0, "task difficulty")
	cmd.Flags().Float64VarP(&in.SkillRank, "skill", "s", 0, "skill rank")
	cmd.Flags().Float64VarP(&in.ExpertiseRank, "expertise", "e", 0, "expertise rank")
	cmd.Flags().Float64VarP(&in.ToolQuality, "tool", "t", 0, "tool quality")
	cmd.Flags().IntVarP(&in.Assistants, "assistants", "a", 0, "number of assistants")
	return cmd
}

func newRollCommand(opts *rootOptions) *cobra.Command {
	var (
		in   rules.OutcomeInput
		seed int64
	)

	cmd := &cobra.Command{
		Use:   "roll",
		Short: "Make a classic roll against the outcome bands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			var seedPtr *int64
			if cmd.Flags().Changed("seed") {
				seedPtr = &seed
			}
			r, err := opts.client().Roll(ctx, in, seedPtr)
			if err != nil {
				return err
			}
			source := "entropy"
			if r.Seeded {
				source = "seeded"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (roll %.4f, %s)\n", r.Tier, r.Roll, source)
			return nil
		},
	}
	addOutcomeFlags(cmd, &in)
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for a reproducible roll")
	return cmd
}
