// Package eventsub receives Twitch EventSub webhook notifications and keeps the
// tracker's subscriptions registered.
//
// Verified notifications are translated into stream events and dispatched
// asynchronously after the 2xx reply, so a slow reconciliation never makes
// Twitch retry a delivery.
package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/telemetry"
)

// Request headers set by Twitch.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
)

// Message types.
const (
	MessageNotification = "notification"
	MessageVerification = "webhook_callback_verification"
	MessageRevocation   = "revocation"
)

// Subscription types the tracker consumes.
const (
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
	TypeChannelUpdate = "channel.update"
)

const (
	// messages further than this from now are rejected as replays
	maxMessageAge = 10 * time.Minute
	maxBodyBytes  = 1 << 20
)

var (
	ErrInvalidSignature = errors.New("eventsub: invalid signature")
	ErrStaleMessage     = errors.New("eventsub: message too old")
)

// Dispatcher receives translated events.
type Dispatcher interface {
	Dispatch(ctx context.Context, channelID string, ev stream.Event)
}

// TrackerDispatcher runs a reconciliation pass per event.
type TrackerDispatcher struct {
	Tracker *stream.Tracker
}

func (d TrackerDispatcher) Dispatch(ctx context.Context, channelID string, ev stream.Event) {
	res, err := d.Tracker.Trigger(ctx, channelID, ev)
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "eventsub"), slog.String("channel", channelID))
	if err != nil {
		log.Warn("event for unconfigured channel", slog.String("event", ev.String()), slog.Any("err", err))
		return
	}
	log.Info("event reconciled", slog.String("event", ev.String()), slog.String("result", res.String()))
}

// Subscription is the subscription block of a webhook payload.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

type payload struct {
	Subscription Subscription    `json:"subscription"`
	Challenge    string          `json:"challenge"`
	Event        json.RawMessage `json:"event"`
}

type streamOnline struct {
	ID                string    `json:"id"`
	BroadcasterUserID string    `json:"broadcaster_user_id"`
	Type              string    `json:"type"`
	StartedAt         time.Time `json:"started_at"`
}

type streamOffline struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type channelUpdate struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	Title             string `json:"title"`
	CategoryID        string `json:"category_id"`
	CategoryName      string `json:"category_name"`
}

// Handler serves the webhook callback.
type Handler struct {
	secret   []byte
	dispatch Dispatcher
	now      func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time

	wg sync.WaitGroup
}

func NewHandler(secret string, d Dispatcher) *Handler {
	return &Handler{secret: []byte(secret), dispatch: d, now: time.Now, seen: make(map[string]time.Time)}
}

// Wait blocks until every dispatched event has been handled.
func (h *Handler) Wait() { h.wg.Wait() }

// Verify checks the message signature and that its timestamp is within
// maxMessageAge of now in either direction.
func (h *Handler) Verify(id, timestamp, signature string, body []byte) error {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(id))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrInvalidSignature
	}
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return ErrStaleMessage
	}
	now := h.now()
	if now.Sub(ts) > maxMessageAge || ts.Sub(now) > maxMessageAge {
		return ErrStaleMessage
	}
	return nil
}

// firstDelivery records id and reports whether it was not seen recently.
func (h *Handler) firstDelivery(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for k, at := range h.seen {
		if now.Sub(at) > maxMessageAge {
			delete(h.seen, k)
		}
	}
	if _, dup := h.seen[id]; dup {
		return false
	}
	h.seen[id] = now
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "eventsub"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	id := r.Header.Get(HeaderMessageID)
	if err := h.Verify(id, r.Header.Get(HeaderMessageTimestamp), r.Header.Get(HeaderMessageSignature), body); err != nil {
		log.Warn("rejected eventsub message", slog.String("message_id", id), slog.Any("err", err))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	switch r.Header.Get(HeaderMessageType) {
	case MessageVerification:
		log.Info("eventsub subscription verified", slog.String("type", p.Subscription.Type), slog.String("subscription", p.Subscription.ID))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, p.Challenge)
	case MessageRevocation:
		log.Warn("eventsub subscription revoked", slog.String("type", p.Subscription.Type), slog.String("status", p.Subscription.Status), slog.Any("condition", p.Subscription.Condition))
		w.WriteHeader(http.StatusNoContent)
	case MessageNotification:
		if !h.firstDelivery(id) {
			telemetry.IncDuplicateEvent()
			log.Debug("duplicate eventsub message", slog.String("message_id", id))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		telemetry.IncEvent(p.Subscription.Type)
		channelID, ev, err := translate(p)
		if err != nil {
			log.Warn("unhandled eventsub notification", slog.String("type", p.Subscription.Type), slog.Any("err", err))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		ctx := telemetry.WithCorrelation(context.WithoutCancel(r.Context()), id)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.dispatch.Dispatch(ctx, channelID, ev)
		}()
	default:
		http.Error(w, "unknown message type", http.StatusBadRequest)
	}
}

var errUnsupported = errors.New("unsupported subscription type")

func translate(p payload) (string, stream.Event, error) {
	switch p.Subscription.Type {
	case TypeStreamOnline:
		var e streamOnline
		if err := json.Unmarshal(p.Event, &e); err != nil {
			return "", stream.Event{}, err
		}
		return e.BroadcasterUserID, stream.Event{Kind: stream.EventStart, StreamID: e.ID, StartedAt: e.StartedAt}, nil
	case TypeStreamOffline:
		var e streamOffline
		if err := json.Unmarshal(p.Event, &e); err != nil {
			return "", stream.Event{}, err
		}
		return e.BroadcasterUserID, stream.Event{Kind: stream.EventEnd}, nil
	case TypeChannelUpdate:
		var e channelUpdate
		if err := json.Unmarshal(p.Event, &e); err != nil {
			return "", stream.Event{}, err
		}
		return e.BroadcasterUserID, stream.Event{Kind: stream.EventCategoryChanged, Category: stream.Category{ID: e.CategoryID, Name: e.CategoryName}}, nil
	default:
		return "", stream.Event{}, errUnsupported
	}
}
