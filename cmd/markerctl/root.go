package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/onnwee/emote-tracker/app"
	"github.com/onnwee/emote-tracker/config"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

type rootOptions struct {
	Format string
}

// env resolves configuration and storage; tests replace both.
type env struct {
	loadConfig func() (*config.Config, error)
	openStore  func(ctx context.Context, cfg *config.Config, migrate bool) (*app.Store, error)
	tracker    func(cfg *config.Config, st *app.Store) *app.Tracker
}

func defaultEnv() *env {
	return &env{
		loadConfig: config.Load,
		openStore:  app.OpenStore,
		tracker: func(cfg *config.Config, st *app.Store) *app.Tracker {
			return app.NewTracker(cfg, st.KV, app.Options{})
		},
	}
}

func newRootCommand(e *env) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "markerctl",
		Short:         "Inspect and maintain stream markers",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newMigrateCommand(e))
	cmd.AddCommand(newStreamsCommand(e, opts))
	cmd.AddCommand(newReportCommand(e, opts))
	cmd.AddCommand(newReconcileCommand(e, opts))
	cmd.AddCommand(newLookupCommand(e, opts))
	return cmd
}

// open loads configuration and the store without running migrations.
func (e *env) open(ctx context.Context) (*config.Config, *app.Store, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := e.openStore(ctx, cfg, false)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
