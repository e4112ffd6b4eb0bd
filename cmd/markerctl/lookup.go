package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type lookupResult struct {
	Login     string `json:"login"`
	ChannelID string `json:"channelId"`
	Live      bool   `json:"live"`
	StreamID  string `json:"streamId,omitempty"`
	Category  string `json:"category,omitempty"`
	Title     string `json:"title,omitempty"`
	Viewers   int    `json:"viewers,omitempty"`
}

func newLookupCommand(e *env, opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "lookup <login>",
		Short: "Resolve a Twitch login to the channel id used in profiles",
		Long:  "Resolve a login to its broadcaster id and show whether it is live, for filling in CHANNEL_PROFILES.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
				return fmt.Errorf("TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET are required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			helix := e.tracker(cfg, st).Helix
			login := args[0]
			id, err := helix.GetUserID(ctx, login)
			if err != nil {
				return fmt.Errorf("lookup %s: %w", login, err)
			}
			res := lookupResult{Login: login, ChannelID: id}
			streams, err := helix.GetStreams(ctx, login)
			if err != nil {
				return fmt.Errorf("streams of %s: %w", login, err)
			}
			if len(streams) > 0 {
				s := streams[0]
				res.Live, res.StreamID, res.Category, res.Title, res.Viewers = true, s.ID, s.GameName, s.Title, s.ViewerCount
			}

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\n", res.Login, res.ChannelID)
			if res.Live {
				fmt.Fprintf(out, "live: stream %s in %s (%d viewers) %s\n", res.StreamID, res.Category, res.Viewers, res.Title)
			} else {
				fmt.Fprintln(out, "offline")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "lookup timeout")
	return cmd
}
