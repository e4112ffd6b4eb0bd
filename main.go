// Command emote-tracker records stream lifecycle markers and emote usage for
// configured Twitch channels.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the store (Postgres with migrations, or memory) and seals secrets.
//   - Subscribes to EventSub webhooks when a public callback is configured.
//   - Polls every channel as a fallback and counts chat emotes when asked to.
//   - Exposes /healthz, /readyz, /metrics, stream history and admin triggers.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/emote-tracker/app"
	"github.com/onnwee/emote-tracker/config"
	"github.com/onnwee/emote-tracker/eventsub"
	"github.com/onnwee/emote-tracker/server"
	"github.com/onnwee/emote-tracker/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()
	app.SetupLogging(os.Stdout)

	if err := run(); err != nil {
		slog.Error("emote-tracker exited", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "emote-tracker", version)
	if err != nil {
		return err
	}
	defer shutdownTracing()
	slog.Info("telemetry initialized", slog.Bool("tracing", telemetry.IsTracingEnabled()), slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.OpenStore(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	t := app.NewTracker(cfg, store.KV, app.Options{})
	slog.Info("tracking channels", slog.Int("channel_count", len(cfg.Profiles)), slog.Any("channels", cfg.ChannelIDs()), slog.String("emote_source", cfg.EmoteSource))

	opts := server.Options{Ready: store.Ping, AdminToken: cfg.AdminToken}
	var (
		hook   *eventsub.Handler
		secret string
	)
	if cfg.EventSubEnabled {
		enc, err := app.Encryptor(cfg)
		if err != nil {
			return err
		}
		secret, err = eventsub.LoadSecret(ctx, store.KV, enc, cfg.EventSubSecret)
		if err != nil {
			return err
		}
		hook = eventsub.NewHandler(secret, eventsub.TrackerDispatcher{Tracker: t.Tracker})
		opts.EventSub = hook
		defer hook.Wait()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.NewRouter(gctx, server.NewHandlers(t.Tracker, opts)))
	})
	g.Go(func() error {
		t.Tracker.RunPoller(gctx, cfg.PollInterval)
		return nil
	})
	if t.Chat != nil {
		g.Go(func() error { return t.Chat.Run(gctx, 0) })
	}
	if hook != nil {
		sub := &eventsub.Subscriber{API: t.Helix, Callback: cfg.EventSubCallbackURL, Secret: secret}
		g.Go(func() error {
			// the callback must be reachable before Twitch verifies it
			select {
			case <-time.After(2 * time.Second):
			case <-gctx.Done():
				return nil
			}
			if err := sub.Ensure(gctx, cfg.ChannelIDs()); err != nil {
				slog.Error("eventsub subscription failed; relying on polling", slog.Any("err", err))
			}
			return nil
		})
	}

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}
