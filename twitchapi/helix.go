// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user resolution, live stream lookups and EventSub subscription management,
// authenticated with an app access token.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultBaseURL is the Helix API root.
const DefaultBaseURL = "https://api.twitch.tv/helix"

// attempts per request for 429/5xx/transport errors; a 401 earns one extra attempt after refresh
const helixMaxRetries = 3

// maximum honored Retry-After
const maxRetryAfter = 10 * time.Second

var (
	// ErrNotFound is returned when a lookup matched nothing.
	ErrNotFound = errors.New("twitchapi: not found")
	// ErrSubscriptionExists is returned when EventSub reports a 409 conflict.
	ErrSubscriptionExists = errors.New("twitchapi: subscription already exists")

	// retryBackoff is the base delay between retries; tests shorten it.
	retryBackoff = 250 * time.Millisecond
)

// APIError carries a non-retryable Helix error response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.StatusCode, e.Message)
}

// HelixClient provides the Helix methods the tracker needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
}

func (hc *HelixClient) client() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// do issues an authenticated request, retrying transient failures, and decodes
// a 2xx JSON body into out when non-nil.
func (hc *HelixClient) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}
	refreshed := false
	for attempt := 1; ; attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		u := hc.baseURL() + path
		if len(q) > 0 {
			u += "?" + q.Encode()
		}
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rdr)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.client().Do(req)
		if err != nil {
			if attempt < helixMaxRetries && ctx.Err() == nil {
				if werr := sleepCtx(ctx, retryBackoff*time.Duration(attempt)); werr != nil {
					return werr
				}
				continue
			}
			return err
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			drain(resp)
			slog.Debug("helix rejected token; refreshing", slog.String("path", path))
			hc.AppTokenSource.Invalidate()
			refreshed = true
			attempt-- // the retry with a fresh token is free
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			wait := retryBackoff * time.Duration(attempt)
			if s := resp.Header.Get("Retry-After"); s != "" {
				if n, err := strconv.Atoi(s); err == nil && n >= 0 {
					wait = min(time.Duration(n)*time.Second, maxRetryAfter)
				}
			}
			status := resp.StatusCode
			drain(resp)
			if attempt < helixMaxRetries {
				if werr := sleepCtx(ctx, wait); werr != nil {
					return werr
				}
				continue
			}
			return &APIError{StatusCode: status, Message: "retries exhausted"}
		case resp.StatusCode >= 400:
			return readAPIError(resp)
		}

		defer closeBody(resp)
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
}

func readAPIError(resp *http.Response) error {
	defer closeBody(resp)
	var body struct {
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(b, &body); err != nil || body.Message == "" {
		body.Message = string(b)
	}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, body.Message)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	closeBody(resp)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// User is the subset of a Helix user the tracker reads.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	users, err := hc.getUsers(ctx, url.Values{"login": {login}})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("user not found: %w", ErrNotFound)
	}
	return users[0].ID, nil
}

// GetUser looks up a user by id.
func (hc *HelixClient) GetUser(ctx context.Context, userID string) (*User, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	users, err := hc.getUsers(ctx, url.Values{"id": {userID}})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user %s not found: %w", userID, ErrNotFound)
	}
	return &users[0], nil
}

func (hc *HelixClient) getUsers(ctx context.Context, q url.Values) ([]User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Stream is a live stream as reported by /helix/streams.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	Language    string    `json:"language"`
}

// GetStreams returns the live streams of a login (empty when offline).
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	return hc.getStreams(ctx, url.Values{"user_login": {login}})
}

// GetStreamsByUserID returns the live streams of a user id (empty when offline).
func (hc *HelixClient) GetStreamsByUserID(ctx context.Context, userID string) ([]Stream, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID empty")
	}
	return hc.getStreams(ctx, url.Values{"user_id": {userID}})
}

func (hc *HelixClient) getStreams(ctx context.Context, q url.Values) ([]Stream, error) {
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/streams", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
