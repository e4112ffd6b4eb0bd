package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/stream"
)

// DefaultFlushInterval is how often tallies are persisted while connected.
const DefaultFlushInterval = 30 * time.Second

// LoginResolver maps a broadcaster id to its chat login.
type LoginResolver interface {
	Login(ctx context.Context, channelID string) (string, error)
}

// Counter tallies tracked emotes per channel.
type Counter struct {
	store    kv.Store
	resolver LoginResolver
	profiles []stream.Profile

	mu      sync.Mutex
	tallies map[string]map[string]int // channel id -> emote -> count
	loaded  map[string]bool
	byLogin map[string]string // login -> channel id
	dirty   bool
}

func NewCounter(store kv.Store, resolver LoginResolver, profiles []stream.Profile) *Counter {
	c := &Counter{
		store:    store,
		resolver: resolver,
		profiles: profiles,
		tallies:  make(map[string]map[string]int),
		loaded:   make(map[string]bool),
		byLogin:  make(map[string]string),
	}
	for _, p := range profiles {
		if c.tallies[p.ChannelID] == nil {
			c.tallies[p.ChannelID] = map[string]int{}
		}
		c.tallies[p.ChannelID][p.Emote] += 0
	}
	return c
}

// Observe counts tracked emotes in a message sent to the channel with roomID.
// Emote codes are case sensitive and match whole words only.
func (c *Counter) Observe(roomID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tally, ok := c.tallies[roomID]
	if !ok {
		return
	}
	for _, word := range strings.Fields(message) {
		if _, tracked := tally[word]; tracked {
			tally[word]++
			c.dirty = true
		}
	}
}

// UsageCount returns the running tally, nil for untracked channels or when the
// persisted tally could not be loaded.
func (c *Counter) UsageCount(ctx context.Context, channelID, item string) *int {
	if err := c.load(ctx, channelID); err != nil {
		slog.Error("chat tally load failed", slog.String("channel", channelID), slog.Any("err", err))
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.tallies[channelID][item]
	if !ok {
		return nil
	}
	return &n
}

// load merges the persisted tally of a channel once.
func (c *Counter) load(ctx context.Context, channelID string) error {
	c.mu.Lock()
	done := c.loaded[channelID]
	c.mu.Unlock()
	if done {
		return nil
	}
	var persisted map[string]int
	if _, err := c.store.Get(ctx, kv.Temp("chat", channelID), &persisted); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded[channelID] {
		return nil
	}
	tally, ok := c.tallies[channelID]
	if !ok {
		c.loaded[channelID] = true
		return nil
	}
	for emote, n := range persisted {
		if _, tracked := tally[emote]; tracked {
			tally[emote] += n
		}
	}
	c.loaded[channelID] = true
	return nil
}

// Flush persists every loaded tally.
func (c *Counter) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]map[string]any, len(c.tallies))
	for ch, tally := range c.tallies {
		if !c.loaded[ch] {
			continue
		}
		fields := make(map[string]any, len(tally))
		for emote, n := range tally {
			fields[emote] = n
		}
		snapshot[ch] = fields
	}
	c.dirty = false
	c.mu.Unlock()

	var errs []error
	for ch, fields := range snapshot {
		if err := c.store.Update(ctx, kv.Temp("chat", ch), fields); err != nil {
			errs = append(errs, fmt.Errorf("flush chat tally %s: %w", ch, err))
		}
	}
	if len(errs) > 0 {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Run connects anonymously, joins every tracked channel and counts until ctx
// is done.
func (c *Counter) Run(ctx context.Context, flushEvery time.Duration) error {
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	var logins []string
	for _, p := range c.profiles {
		if err := c.load(ctx, p.ChannelID); err != nil {
			return fmt.Errorf("load chat tally %s: %w", p.ChannelID, err)
		}
		login, err := c.resolver.Login(ctx, p.ChannelID)
		if err != nil {
			return fmt.Errorf("resolve chat login %s: %w", p.ChannelID, err)
		}
		c.mu.Lock()
		if _, seen := c.byLogin[login]; !seen {
			logins = append(logins, login)
		}
		c.byLogin[login] = p.ChannelID
		c.mu.Unlock()
	}
	if len(logins) == 0 {
		slog.Info("chat counter: no channels to join")
		return nil
	}

	client := twitch.NewAnonymousClient()
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		room := msg.RoomID
		if room == "" {
			c.mu.Lock()
			room = c.byLogin[strings.ToLower(msg.Channel)]
			c.mu.Unlock()
		}
		c.Observe(room, msg.Message)
	})
	client.OnConnect(func() {
		slog.Info("chat counter connected", slog.Int("channels", len(logins)))
	})
	client.Join(logins...)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(flushEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = client.Disconnect()
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					slog.Warn("chat counter flush", slog.Any("err", err))
				}
			}
		}
	}()

	err := client.Connect()
	close(stop)
	<-done
	if ferr := c.Flush(context.WithoutCancel(ctx)); ferr != nil {
		slog.Warn("chat counter final flush", slog.Any("err", ferr))
	}
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}
