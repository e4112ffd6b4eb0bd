package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/emote-tracker/telemetry"
)

// DefaultPollInterval is the reconciliation fallback period.
const DefaultPollInterval = 5 * time.Minute

// ErrUnknownChannel is returned for channels without a profile.
var ErrUnknownChannel = errors.New("stream: channel not configured")

// Tracker dispatches events and poll ticks to the engine for every configured
// profile.
type Tracker struct {
	engine   *Engine
	profiles []Profile
	byID     map[string]Profile
}

func NewTracker(engine *Engine, profiles []Profile) *Tracker {
	t := &Tracker{engine: engine, byID: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		if _, dup := t.byID[p.ChannelID]; dup {
			slog.Warn("duplicate channel profile ignored", slog.String("channel", p.ChannelID))
			continue
		}
		t.byID[p.ChannelID] = p
		t.profiles = append(t.profiles, p)
	}
	return t
}

// Profiles returns the configured profiles in configuration order.
func (t *Tracker) Profiles() []Profile {
	return append([]Profile(nil), t.profiles...)
}

// Engine returns the underlying engine.
func (t *Tracker) Engine() *Engine { return t.engine }

// Trigger runs one pass for a configured channel.
func (t *Tracker) Trigger(ctx context.Context, channelID string, ev Event) (Result, error) {
	p, ok := t.byID[channelID]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", channelID, ErrUnknownChannel)
	}
	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	return t.engine.Reconcile(ctx, p.ChannelID, p.Emote, ev), nil
}

// PollAll reconciles every profile concurrently with no pending event.
func (t *Tracker) PollAll(ctx context.Context) map[string]Result {
	var (
		mu  sync.Mutex
		out = make(map[string]Result, len(t.profiles))
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range t.profiles {
		g.Go(func() error {
			res, err := t.Trigger(gctx, p.ChannelID, Event{})
			if err != nil {
				return err
			}
			mu.Lock()
			out[p.ChannelID] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("poll", slog.Any("err", err))
	}
	return out
}

// RunPoller polls once immediately and then every interval until ctx is done.
func (t *Tracker) RunPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	slog.Info("stream poller starting", slog.Duration("interval", interval), slog.Int("channels", len(t.profiles)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	t.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stream poller stopped")
			return
		case <-ticker.C:
			t.poll(ctx)
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	for ch, res := range t.PollAll(ctx) {
		if res.Outcome == OutcomeError {
			slog.Warn("poll pass failed", slog.String("channel", ch), slog.String("result", res.String()))
		}
	}
}
