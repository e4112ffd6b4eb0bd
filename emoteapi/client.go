// Package emoteapi reads per-channel emote usage counts from the kattah.me
// channel statistics API.
package emoteapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the channel usage endpoint root; the login is appended.
const DefaultBaseURL = "https://api.kattah.me/c/"

// ErrUnknownChannel is returned when the API has no data for the login.
var ErrUnknownChannel = errors.New("emoteapi: channel not tracked")

// Usage is one emote usage record.
type Usage struct {
	Emote   string `json:"emote"`
	EmoteID string `json:"emote_id"`
	Count   int    `json:"count"`
	Added   string `json:"added"`
}

// Channel is the response body for /c/{login}.
type Channel struct {
	Success bool    `json:"success"`
	User    string  `json:"user"`
	Emotes  []Usage `json:"-"`
}

func (c *Channel) UnmarshalJSON(b []byte) error {
	var raw struct {
		Success bool            `json:"success"`
		User    json.RawMessage `json:"user"`
		Emotes  json.RawMessage `json:"emotes"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	c.Success = raw.Success
	if len(raw.User) > 0 {
		// user is an object for tracked channels, a bare string in older responses
		var s string
		if json.Unmarshal(raw.User, &s) == nil {
			c.User = s
		} else {
			var u struct {
				TwitchUsername string `json:"twitch_username"`
			}
			if err := json.Unmarshal(raw.User, &u); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
			c.User = u.TwitchUsername
		}
	}
	c.Emotes = nil
	if len(raw.Emotes) == 0 || string(raw.Emotes) == "null" {
		return nil
	}
	if raw.Emotes[0] == '{' {
		// keyed by emote id
		var m map[string]Usage
		if err := json.Unmarshal(raw.Emotes, &m); err != nil {
			return fmt.Errorf("decode emotes: %w", err)
		}
		for _, u := range m {
			c.Emotes = append(c.Emotes, u)
		}
		return nil
	}
	if err := json.Unmarshal(raw.Emotes, &c.Emotes); err != nil {
		return fmt.Errorf("decode emotes: %w", err)
	}
	return nil
}

// Find returns the usage record named emote. Emote codes are case sensitive.
func (c *Channel) Find(emote string) (Usage, bool) {
	for _, u := range c.Emotes {
		if u.Emote == emote {
			return u, true
		}
	}
	return Usage{}, false
}

// Client fetches channel emote usage.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// New returns a client for baseURL (DefaultBaseURL when empty).
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 15 * time.Second}}
}

// Channel fetches usage for a channel login.
func (c *Client) Channel(ctx context.Context, login string) (*Channel, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+url.PathEscape(strings.ToLower(login)), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", login, ErrUnknownChannel)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("emote usage status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var ch Channel
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("decode emote usage: %w", err)
	}
	if !ch.Success {
		return nil, fmt.Errorf("%s: %w", login, ErrUnknownChannel)
	}
	return &ch, nil
}

// Count returns the usage count of emote in login's channel.
func (c *Client) Count(ctx context.Context, login, emote string) (int, error) {
	ch, err := c.Channel(ctx, login)
	if err != nil {
		return 0, err
	}
	u, ok := ch.Find(emote)
	if !ok {
		return 0, fmt.Errorf("emote %q not found for %s", emote, login)
	}
	return u.Count, nil
}
