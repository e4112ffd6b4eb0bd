package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/emote-tracker/stream"
)

type report struct {
	streamRow
	Markers []stream.Marker `json:"markers"`
}

func newReportCommand(e *env, opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report <channel-id> <stream-id>",
		Short: "Print a stream record and its markers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			ch, id := args[0], args[1]
			ms := stream.NewMarkerStore(st.KV)
			rec, ok, err := ms.Record(cmd.Context(), ch, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("stream %s not found for channel %s", id, ch)
			}
			markers, err := ms.List(cmd.Context(), ch, id)
			if err != nil {
				return err
			}
			r := report{streamRow: streamRow{StreamID: id, StreamRecord: *rec}, Markers: markers}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), r)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stream %s: %s\n", id, rec.Title)
			fmt.Fprintf(out, "viewers %d, usage %s, uptime %sh, per hour %s\n\n", rec.Viewers, intOrDash(rec.EmoteUsage), floatOrDash(rec.UptimeHours), floatOrDash(rec.EmotePerHour))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tTYPE\tCATEGORY\tCOUNT\tUSAGE")
			for _, m := range markers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339), m.Type, m.Category.Name, intOrDash(m.EmoteCount), intOrDash(m.EmoteUsage))
			}
			return tw.Flush()
		},
	}
}
