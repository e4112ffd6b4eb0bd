package eventsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/emote-tracker/twitchapi"
)

// SubscriptionAPI is the Helix subset used to manage subscriptions.
type SubscriptionAPI interface {
	ListEventSubSubscriptions(ctx context.Context) ([]twitchapi.Subscription, error)
	CreateEventSubSubscription(ctx context.Context, sr twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

// Wanted lists the subscription types and versions the tracker needs per channel.
var Wanted = []struct{ Type, Version string }{
	{TypeStreamOnline, "1"},
	{TypeStreamOffline, "1"},
	{TypeChannelUpdate, "2"},
}

// Subscriber registers webhook subscriptions for tracked channels.
type Subscriber struct {
	API      SubscriptionAPI
	Callback string
	Secret   string
}

// healthy statuses keep an existing subscription
func usable(status string) bool {
	return status == "enabled" || status == "webhook_callback_verification_pending"
}

// Ensure makes sure each channel has every Wanted subscription pointing at
// Callback. Subscriptions of the given channels for the tracked types with
// another callback or a failed status are replaced; subscriptions of other
// broadcasters are never touched.
func (s *Subscriber) Ensure(ctx context.Context, channelIDs []string) error {
	if s.Callback == "" {
		return errors.New("eventsub callback url not configured")
	}
	existing, err := s.API.ListEventSubSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list eventsub subscriptions: %w", err)
	}
	type key struct{ typ, channel string }
	have := map[key]bool{}
	tracked := map[string]bool{}
	for _, w := range Wanted {
		tracked[w.Type] = true
	}
	ours := make(map[string]bool, len(channelIDs))
	for _, ch := range channelIDs {
		ours[ch] = true
	}
	for _, sub := range existing {
		// other deployments may share the client id; leave their channels alone
		if !tracked[sub.Type] || !ours[sub.Condition["broadcaster_user_id"]] {
			continue
		}
		k := key{sub.Type, sub.Condition["broadcaster_user_id"]}
		if sub.Transport.Method == "webhook" && sub.Transport.Callback == s.Callback && usable(sub.Status) {
			have[k] = true
			continue
		}
		if err := s.API.DeleteEventSubSubscription(ctx, sub.ID); err != nil {
			slog.Warn("failed to delete stale eventsub subscription", slog.String("id", sub.ID), slog.String("type", sub.Type), slog.Any("err", err))
			continue
		}
		slog.Info("deleted stale eventsub subscription", slog.String("id", sub.ID), slog.String("type", sub.Type), slog.String("status", sub.Status))
	}

	var errs []error
	for _, ch := range channelIDs {
		for _, w := range Wanted {
			if have[key{w.Type, ch}] {
				continue
			}
			_, err := s.API.CreateEventSubSubscription(ctx, twitchapi.SubscriptionRequest{
				Type:      w.Type,
				Version:   w.Version,
				Condition: map[string]string{"broadcaster_user_id": ch},
				Transport: twitchapi.Transport{Method: "webhook", Callback: s.Callback, Secret: s.Secret},
			})
			if errors.Is(err, twitchapi.ErrSubscriptionExists) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("subscribe %s for %s: %w", w.Type, ch, err))
				continue
			}
			slog.Info("created eventsub subscription", slog.String("type", w.Type), slog.String("channel", ch))
		}
	}
	return errors.Join(errs...)
}
