package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/telemetry"
)

func newReconcileCommand(e *env, opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile <channel-id>",
		Short: "Run one reconciliation pass for a channel",
		Long:  "Compare the channel's live stream with local state and apply the resulting transition, exactly like a poll tick.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := cfg.Validate(); err != nil {
				return err
			}
			telemetry.Init()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := e.tracker(cfg, st).Tracker.Trigger(ctx, args[0], stream.Event{})
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), res.String())
			}
			if res.Outcome == stream.OutcomeError {
				return fmt.Errorf("reconcile %s: %s", args[0], res.Reason)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "pass timeout")
	return cmd
}
