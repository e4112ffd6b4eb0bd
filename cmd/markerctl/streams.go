package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/emote-tracker/stream"
)

type streamRow struct {
	StreamID string `json:"streamId"`
	stream.StreamRecord
}

func newStreamsCommand(e *env, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "streams <channel-id>",
		Short: "List recorded streams of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			ms := stream.NewMarkerStore(st.KV)
			ids, err := ms.Streams(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rows := make([]streamRow, 0, len(ids))
			for _, id := range ids {
				rec, ok, err := ms.Record(cmd.Context(), args[0], id)
				if err != nil {
					return err
				}
				if ok {
					rows = append(rows, streamRow{StreamID: id, StreamRecord: *rec})
				}
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), rows)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STREAM\tSTARTED\tENDED\tVIEWERS\tUSAGE\tPER HOUR\tTITLE")
			for _, r := range rows {
				ended := "live"
				if r.EndedAt != nil {
					ended = r.EndedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.StreamID, r.StartedAt.Format(time.RFC3339), ended, r.Viewers, intOrDash(r.EmoteUsage), floatOrDash(r.EmotePerHour), r.Title)
			}
			return tw.Flush()
		},
	}
}

func intOrDash(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func floatOrDash(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
