package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/galactic-sim/internal/engine"
	"github.com/talgya/galactic-sim/internal/simulation"
)

func newSimCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sim",
		Aliases: []string{"simulation", "run"},
		Short:   "Manage simulation runs",
	}
	cmd.AddCommand(
		newSimListCommand(opts),
		newSimGetCommand(opts),
		newSimCreateCommand(opts),
		newSimControlCommand(opts, "start", "Schedule a run"),
		newSimControlCommand(opts, "pause", "Pause a running run"),
		newSimControlCommand(opts, "stop", "Stop a run for good"),
		newSimStepCommand(opts),
		newSimEventsCommand(opts),
		newSimDispatchCommand(opts),
		newSimSnapshotCommand(opts),
		newSimSpeedCommand(opts),
	)
	return cmd
}

func printRunLine(cmd *cobra.Command, info engine.RunInfo) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s tick %s (%s) speed x%g\n",
		info.ID, info.Status, humanize.Comma(int64(info.Tick)), info.Stardate, info.Speed)
}

func newSimListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List simulation runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			runs, err := opts.client().ListRuns(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No simulation runs")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROVIDER\tSTATUS\tTICK\tSTARDATE\tSPEED\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\tx%g\t%s\n",
					r.ID, r.Provider, r.Status, humanize.Comma(int64(r.Tick)),
					r.Stardate, r.Speed, humanize.Time(r.CreatedAt))
			}
			return tw.Flush()
		},
	}
}

func newSimGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			info, err := opts.client().GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}

func newSimCreateCommand(opts *rootOptions) *cobra.Command {
	var (
		provider string
		seed     int64
		sectors  int
		params   map[string]string
		start    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a simulation run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if !cmd.Flags().Changed("seed") {
				seed = time.Now().UnixNano()
			}
			cfg := simulation.Config{Seed: seed, Sectors: sectors}
			if len(params) > 0 {
				cfg.Params = make(map[string]float64, len(params))
				for k, v := range params {
					f, err := strconv.ParseFloat(v, 64)
					if err != nil {
						return fmt.Errorf("param %s: %q is not a number", k, v)
					}
					cfg.Params[k] = f
				}
			}
			info, err := opts.client().CreateRun(ctx, provider, cfg, start)
			if err != nil {
				return err
			}
			printRunLine(cmd, info)
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", simulation.SandboxName, "simulation provider")
	cmd.Flags().Int64Var(&seed, "seed", 0, "world seed (random when unset)")
	cmd.Flags().IntVar(&sectors, "sectors", 0, "number of sectors (provider default when 0)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "provider parameter, key=value (repeatable)")
	cmd.Flags().BoolVar(&start, "start", false, "start the run immediately")
	return cmd
}

func newSimControlCommand(opts *rootOptions, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			c := opts.client()
			var info engine.RunInfo
			switch action {
			case "start":
				info, err = c.StartRun(ctx, args[0])
			case "pause":
				info, err = c.PauseRun(ctx, args[0])
			case "stop":
				info, err = c.StopRun(ctx, args[0])
			default:
				return fmt.Errorf("unknown action %q", action)
			}
			if err != nil {
				return err
			}
			printRunLine(cmd, info)
			return nil
		},
	}
}

func newSimStepCommand(opts *rootOptions) *cobra.Command {
	var (
		steps int
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "step <id>",
		Short: "Advance a paused run by a number of ticks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			res, err := opts.client().Step(ctx, args[0], steps)
			if err != nil {
				return err
			}
			printRunLine(cmd, res.Simulation)
			if !quiet {
				printEvents(cmd, res.Events)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "ticks to advance")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print events")
	return cmd
}

func printEvents(cmd *cobra.Command, events []simulation.Event) {
	w := cmd.OutOrStdout()
	for _, e := range events {
		sector := e.Sector
		if sector == "" {
			sector = "-"
		}
		fmt.Fprintf(w, "[%s] %-10s %-12s %s (%.2f)\n",
			humanize.Comma(int64(e.Tick)), e.Kind, sector, e.Description, e.Magnitude)
	}
}

func newSimEventsCommand(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a run's recent events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			events, err := opts.client().Events(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No events")
				return nil
			}
			printEvents(cmd, events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "maximum events to show")
	return cmd
}

func newSimDispatchCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch <id>",
		Short: "Show the current dispatch for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			d, err := opts.client().Dispatch(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n(%s, tick %s, %s)\n",
				d.Content, d.Source, humanize.Comma(int64(d.Tick)), humanize.Time(d.GeneratedAt))
			return nil
		},
	}
}

func newSimSnapshotCommand(opts *rootOptions) *cobra.Command {
	var (
		output string
		input  string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Export a run's state, or import it with --import",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			c := opts.client()
			if input != "" {
				raw, err := os.ReadFile(input)
				if err != nil {
					return fmt.Errorf("read snapshot: %w", err)
				}
				snap, err := simulation.ParseSnapshot(raw)
				if err != nil {
					return err
				}
				info, err := c.ImportSnapshot(ctx, args[0], snap)
				if err != nil {
					return err
				}
				printRunLine(cmd, info)
				return nil
			}

			snap, err := c.ExportSnapshot(ctx, args[0])
			if err != nil {
				return err
			}
			if output == "" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			raw, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return fmt.Errorf("encode snapshot: %w", err)
			}
			if err := os.WriteFile(output, raw, 0o644); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s snapshot at tick %s to %s\n",
				humanize.Bytes(uint64(len(raw))), humanize.Comma(int64(snap.Tick)), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the snapshot to a file")
	cmd.Flags().StringVarP(&input, "import", "i", "", "import a snapshot file into the run")
	cmd.MarkFlagsMutuallyExclusive("output", "import")
	return cmd
}

func newSimSpeedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "speed <speed> [id]",
		Short: "Set the speed of one run, or of every run when no id is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			speed, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid speed %q", args[0])
			}
			var id string
			if len(args) == 2 {
				id = args[1]
			}

			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			if err := opts.client().SetSpeed(ctx, id, speed); err != nil {
				return err
			}
			target := id
			if target == "" {
				target = "all runs"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Speed set to x%g for %s\n", speed, target)
			return nil
		},
	}
}
