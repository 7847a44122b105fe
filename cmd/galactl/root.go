package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/galactic-sim/internal/client"
	"github.com/talgya/galactic-sim/internal/config"
)

type rootOptions struct {
	baseURL  string
	adminKey string
	timeout  time.Duration
	wait     bool
}

func (o *rootOptions) client() *client.Client {
	return client.New(o.baseURL, o.adminKey)
}

// context bounds one command; with --wait it first blocks until the API is up.
func (o *rootOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	if o.wait {
		if err := o.client().WaitReady(ctx); err != nil {
			cancel()
			return nil, nil, err
		}
	}
	return ctx, cancel, nil
}

func newRootCommand(cfg config.ClientConfig) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "galactl",
		Short:        "Control a galactic-sim server",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.baseURL, "url", cfg.BaseURL, "API base URL (env GALACTIC_URL)")
	cmd.PersistentFlags().StringVar(&opts.adminKey, "admin-key", cfg.AdminKey, "admin bearer token (env GALACTIC_ADMIN_KEY)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall request timeout")
	cmd.PersistentFlags().BoolVar(&opts.wait, "wait", false, "wait for the API to come up before running")

	cmd.AddCommand(
		newStatusCommand(opts),
		newPreviewCommand(opts),
		newTTCCommand(opts),
		newRollCommand(opts),
		newSimCommand(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, err := opts.context(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			st, err := opts.client().Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
