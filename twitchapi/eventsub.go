package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Transport describes where EventSub delivers notifications.
type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// SubscriptionRequest is the body of POST /eventsub/subscriptions.
type SubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// Subscription is an existing EventSub subscription.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateEventSubSubscription registers a webhook subscription. A duplicate
// returns an error wrapping ErrSubscriptionExists.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sr SubscriptionRequest) (*Subscription, error) {
	if sr.Type == "" || sr.Version == "" {
		return nil, fmt.Errorf("subscription type and version required")
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sr, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("create subscription %s: empty response", sr.Type)
	}
	return &body.Data[0], nil
}

// ListEventSubSubscriptions returns every subscription owned by the client id.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	after := ""
	for {
		q := url.Values{}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || body.Pagination.Cursor == after {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}

// DeleteEventSubSubscription removes a subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("subscription id empty")
	}
	return hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", url.Values{"id": {id}}, nil, nil)
}
