// Package gateway adapts the Twitch and emote usage clients to the sources the
// reconciliation engine consumes. Failures are logged and counted, never
// returned: a failed snapshot is reported as offline and a failed count as
// unknown.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/telemetry"
	"github.com/onnwee/emote-tracker/twitchapi"
)

// DefaultTimeout bounds each upstream call.
const DefaultTimeout = 10 * time.Second

// StreamLister looks up live streams by broadcaster id.
type StreamLister interface {
	GetStreamsByUserID(ctx context.Context, userID string) ([]twitchapi.Stream, error)
}

// UserLookup resolves a broadcaster id to a user.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*twitchapi.User, error)
}

// Counter returns the usage count of an emote in a channel login.
type Counter interface {
	Count(ctx context.Context, login, emote string) (int, error)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}

func statusAttr(err error) slog.Attr {
	var apiErr *twitchapi.APIError
	if errors.As(err, &apiErr) {
		return slog.Int("status", apiErr.StatusCode)
	}
	return slog.String("status", "unavailable")
}

// Snapshots reads the current live stream from Helix.
type Snapshots struct {
	Streams StreamLister
	Timeout time.Duration
}

func (s *Snapshots) Snapshot(ctx context.Context, channelID string) *stream.Snapshot {
	ctx, cancel := withTimeout(ctx, s.Timeout)
	defer cancel()
	streams, err := s.Streams.GetStreamsByUserID(ctx, channelID)
	if err != nil {
		telemetry.IncGatewayFailure("snapshot")
		slog.Error("stream snapshot failed", slog.String("component", "gateway"), slog.String("channel", channelID), statusAttr(err), slog.Any("err", err))
		return nil
	}
	for _, st := range streams {
		if st.Type != "" && st.Type != "live" {
			continue
		}
		return &stream.Snapshot{
			StreamID:    st.ID,
			Category:    stream.Category{ID: st.GameID, Name: st.GameName},
			Title:       st.Title,
			ViewerCount: st.ViewerCount,
			StartedAt:   st.StartedAt,
		}
	}
	return nil
}

// Logins caches broadcaster id to login resolution.
type Logins struct {
	Users   UserLookup
	Timeout time.Duration

	cache sync.Map // channel id -> login
}

// Login returns the lowercase login of channelID.
func (l *Logins) Login(ctx context.Context, channelID string) (string, error) {
	if v, ok := l.cache.Load(channelID); ok {
		return v.(string), nil
	}
	ctx, cancel := withTimeout(ctx, l.Timeout)
	defer cancel()
	u, err := l.Users.GetUser(ctx, channelID)
	if err != nil {
		return "", err
	}
	login := strings.ToLower(u.Login)
	l.cache.Store(channelID, login)
	return login, nil
}

// Usage reads emote usage counts from the external usage API.
type Usage struct {
	Logins  *Logins
	Counts  Counter
	Timeout time.Duration
}

func (u *Usage) UsageCount(ctx context.Context, channelID, item string) *int {
	log := slog.With(slog.String("component", "gateway"), slog.String("channel", channelID), slog.String("emote", item))
	login, err := u.Logins.Login(ctx, channelID)
	if err != nil {
		telemetry.IncGatewayFailure("username")
		log.Error("channel login lookup failed", statusAttr(err), slog.Any("err", err))
		return nil
	}
	ctx, cancel := withTimeout(ctx, u.Timeout)
	defer cancel()
	n, err := u.Counts.Count(ctx, login, item)
	if err != nil {
		telemetry.IncGatewayFailure("usage")
		log.Error("emote usage fetch failed", slog.String("login", login), slog.Any("err", err))
		return nil
	}
	return &n
}
