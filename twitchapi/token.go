package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/emote-tracker/kv"
)

// DefaultTokenURL is the Twitch client-credentials endpoint.
const DefaultTokenURL = "https://id.twitch.tv/oauth2/token"

// tokens within this window of expiry are treated as expired
const expiryBuffer = 60 * time.Second

// TokenCache persists the app token across restarts.
type TokenCache interface {
	Load(ctx context.Context) (token string, expiresAt time.Time, ok bool)
	Store(ctx context.Context, token string, expiresAt time.Time)
}

// TokenSource fetches and caches a Twitch app access (client credentials) token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	HTTPClient   *http.Client
	Cache        TokenCache

	mu          sync.RWMutex
	token       string
	expiresAt   time.Time
	bypassCache bool
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > expiryBuffer {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

// SetToken seeds the in-memory token.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = token
	ts.expiresAt = expiresAt
}

// Invalidate drops the current token after Helix rejected it. The next Get goes to
// the token endpoint even if the persistent cache still holds the rejected token.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.bypassCache = true
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > expiryBuffer {
		return ts.token, nil
	}
	if ts.Cache != nil && !ts.bypassCache {
		if tok, exp, ok := ts.Cache.Load(ctx); ok && time.Until(exp) > expiryBuffer {
			ts.token, ts.expiresAt = tok, exp
			return tok, nil
		}
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	cfg := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.TokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch token request failed: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = tok.AccessToken
	ts.expiresAt = tok.Expiry
	if ts.expiresAt.IsZero() {
		// Twitch always sends expires_in; assume a short life if it ever doesn't
		ts.expiresAt = time.Now().Add(time.Hour)
	}
	ts.bypassCache = false
	if ts.Cache != nil {
		ts.Cache.Store(ctx, ts.token, ts.expiresAt)
	}
	slog.Debug("twitch app token refreshed", slog.Time("expires_at", ts.expiresAt))
	return ts.token, nil
}

// KVTokenCache stores the app token at temp/access_token.
type KVTokenCache struct {
	KV kv.Store
}

type cachedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix ms
}

func (c KVTokenCache) Load(ctx context.Context) (string, time.Time, bool) {
	var ct cachedToken
	ok, err := c.KV.Get(ctx, kv.Temp("access_token"), &ct)
	if err != nil {
		slog.Warn("access token cache read failed", slog.Any("err", err))
		return "", time.Time{}, false
	}
	if !ok || ct.Token == "" || ct.ExpiresAt == 0 {
		return "", time.Time{}, false
	}
	return ct.Token, time.UnixMilli(ct.ExpiresAt), true
}

func (c KVTokenCache) Store(ctx context.Context, token string, expiresAt time.Time) {
	if err := c.KV.Set(ctx, kv.Temp("access_token"), cachedToken{Token: token, ExpiresAt: expiresAt.UnixMilli()}); err != nil {
		slog.Warn("access token cache write failed", slog.Any("err", err))
	}
}
