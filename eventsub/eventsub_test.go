package eventsub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/emote-tracker/crypto"
	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/twitchapi"
)

const testSecret = "0123456789abcdef"

type recorder struct {
	mu     sync.Mutex
	events map[string][]stream.Event
}

func (r *recorder) Dispatch(_ context.Context, channelID string, ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]stream.Event{}
	}
	r.events[channelID] = append(r.events[channelID], ev)
}

func sign(secret, id, ts, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(id + ts + body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func deliver(t *testing.T, h http.Handler, msgType, id, body string, ts time.Time) *httptest.ResponseRecorder {
	t.Helper()
	stamp := ts.UTC().Format(time.RFC3339Nano)
	req := httptest.NewRequest(http.MethodPost, "/eventsub/callback", strings.NewReader(body))
	req.Header.Set(HeaderMessageID, id)
	req.Header.Set(HeaderMessageTimestamp, stamp)
	req.Header.Set(HeaderMessageSignature, sign(testSecret, id, stamp, body))
	req.Header.Set(HeaderMessageType, msgType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerNotifications(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(testSecret, rec)
	now := time.Now()

	online := `{"subscription":{"id":"sub1","type":"stream.online","version":"1","status":"enabled","condition":{"broadcaster_user_id":"1001"}},
		"event":{"id":"9001","broadcaster_user_id":"1001","broadcaster_user_login":"somestreamer","type":"live","started_at":"2024-05-01T18:00:00Z"}}`
	update := `{"subscription":{"id":"sub2","type":"channel.update","version":"2","status":"enabled","condition":{"broadcaster_user_id":"1001"}},
		"event":{"broadcaster_user_id":"1001","title":"new","category_id":"33214","category_name":"Fortnite"}}`
	offline := `{"subscription":{"id":"sub3","type":"stream.offline","version":"1","status":"enabled","condition":{"broadcaster_user_id":"1001"}},
		"event":{"broadcaster_user_id":"1001"}}`

	for i, body := range []string{online, update, offline} {
		rr := deliver(t, h, MessageNotification, "msg-"+string(rune('a'+i)), body, now)
		require.Equal(t, http.StatusNoContent, rr.Code)
	}
	h.Wait()

	evs := rec.events["1001"]
	require.Len(t, evs, 3)
	assert.Equal(t, stream.EventStart, evs[0].Kind)
	assert.Equal(t, "9001", evs[0].StreamID)
	assert.Equal(t, time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC), evs[0].StartedAt)
	assert.Equal(t, stream.EventCategoryChanged, evs[1].Kind)
	assert.Equal(t, stream.Category{ID: "33214", Name: "Fortnite"}, evs[1].Category)
	assert.Equal(t, stream.EventEnd, evs[2].Kind)
}

func TestHandlerDropsDuplicates(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(testSecret, rec)
	body := `{"subscription":{"type":"stream.offline"},"event":{"broadcaster_user_id":"1001"}}`

	assert.Equal(t, http.StatusNoContent, deliver(t, h, MessageNotification, "same", body, time.Now()).Code)
	assert.Equal(t, http.StatusNoContent, deliver(t, h, MessageNotification, "same", body, time.Now()).Code)
	h.Wait()
	assert.Len(t, rec.events["1001"], 1)
}

func TestHandlerRejects(t *testing.T) {
	rec := &recorder{}
	h := NewHandler(testSecret, rec)
	body := `{"subscription":{"type":"stream.offline"},"event":{"broadcaster_user_id":"1001"}}`

	t.Run("bad signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set(HeaderMessageID, "x")
		req.Header.Set(HeaderMessageTimestamp, time.Now().UTC().Format(time.RFC3339))
		req.Header.Set(HeaderMessageSignature, "sha256=deadbeef")
		req.Header.Set(HeaderMessageType, MessageNotification)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("stale", func(t *testing.T) {
		rr := deliver(t, h, MessageNotification, "old", body, time.Now().Add(-11*time.Minute))
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("unknown type", func(t *testing.T) {
		rr := deliver(t, h, "mystery", "m", body, time.Now())
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	h.Wait()
	assert.Empty(t, rec.events)
}

func TestHandlerVerificationAndRevocation(t *testing.T) {
	h := NewHandler(testSecret, &recorder{})

	rr := deliver(t, h, MessageVerification, "v1", `{"challenge":"pogchamp-kappa-360noscope","subscription":{"id":"s","type":"stream.online"}}`, time.Now())
	assert.Equal(t, http.StatusOK, rr.Code)
	b, _ := io.ReadAll(rr.Body)
	assert.Equal(t, "pogchamp-kappa-360noscope", string(b))

	rr = deliver(t, h, MessageRevocation, "r1", `{"subscription":{"id":"s","type":"stream.online","status":"authorization_revoked"}}`, time.Now())
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestVerify(t *testing.T) {
	h := NewHandler(testSecret, &recorder{})
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	assert.NoError(t, h.Verify("id", ts, sign(testSecret, "id", ts, "{}"), []byte("{}")))
	assert.ErrorIs(t, h.Verify("id", ts, sign("other-secret", "id", ts, "{}"), []byte("{}")), ErrInvalidSignature)
	assert.ErrorIs(t, h.Verify("id", "yesterday", sign(testSecret, "id", "yesterday", "{}"), []byte("{}")), ErrStaleMessage)

	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	assert.ErrorIs(t, h.Verify("id", old, sign(testSecret, "id", old, "{}"), []byte("{}")), ErrStaleMessage)
	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano)
	assert.ErrorIs(t, h.Verify("id", future, sign(testSecret, "id", future, "{}"), []byte("{}")), ErrStaleMessage)
	nearFuture := time.Now().Add(30 * time.Second).UTC().Format(time.RFC3339Nano)
	assert.NoError(t, h.Verify("id", nearFuture, sign(testSecret, "id", nearFuture, "{}"), []byte("{}")))
}

func TestLoadSecret(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit", func(t *testing.T) {
		s, err := LoadSecret(ctx, kv.NewMemoryStore(), nil, "explicit-secret")
		require.NoError(t, err)
		assert.Equal(t, "explicit-secret", s)
		_, err = LoadSecret(ctx, kv.NewMemoryStore(), nil, "short")
		assert.Error(t, err)
	})

	t.Run("generated and reused", func(t *testing.T) {
		store := kv.NewMemoryStore()
		first, err := LoadSecret(ctx, store, nil, "")
		require.NoError(t, err)
		assert.Len(t, first, 43)
		assert.NotContains(t, first, "=")
		second, err := LoadSecret(ctx, store, nil, "")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("encrypted at rest", func(t *testing.T) {
		enc, err := crypto.NewAESEncryptor("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
		require.NoError(t, err)
		store := kv.NewMemoryStore()
		secret, err := LoadSecret(ctx, store, enc, "")
		require.NoError(t, err)

		var sealed crypto.Sealed
		ok, err := store.Get(ctx, kv.Secret("eventsub"), &sealed)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, sealed.Version)
		assert.NotEqual(t, secret, sealed.Value)

		again, err := LoadSecret(ctx, store, enc, "")
		require.NoError(t, err)
		assert.Equal(t, secret, again)

		_, err = LoadSecret(ctx, store, nil, "")
		assert.Error(t, err, "sealed secret needs the key")
	})
}

type fakeSubAPI struct {
	existing []twitchapi.Subscription
	created  []twitchapi.SubscriptionRequest
	deleted  []string
	conflict string
}

func (f *fakeSubAPI) ListEventSubSubscriptions(context.Context) ([]twitchapi.Subscription, error) {
	return f.existing, nil
}

func (f *fakeSubAPI) CreateEventSubSubscription(_ context.Context, sr twitchapi.SubscriptionRequest) (*twitchapi.Subscription, error) {
	if sr.Type == f.conflict {
		return nil, twitchapi.ErrSubscriptionExists
	}
	f.created = append(f.created, sr)
	return &twitchapi.Subscription{ID: "new", Type: sr.Type}, nil
}

func (f *fakeSubAPI) DeleteEventSubSubscription(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func TestSubscriberEnsure(t *testing.T) {
	cb := "https://tracker.example/eventsub/callback"
	api := &fakeSubAPI{
		existing: []twitchapi.Subscription{
			{ID: "keep", Type: TypeStreamOnline, Status: "enabled", Condition: map[string]string{"broadcaster_user_id": "1001"}, Transport: twitchapi.Transport{Method: "webhook", Callback: cb}},
			{ID: "moved", Type: TypeStreamOffline, Status: "enabled", Condition: map[string]string{"broadcaster_user_id": "1001"}, Transport: twitchapi.Transport{Method: "webhook", Callback: "https://old.example/cb"}},
			{ID: "failed", Type: TypeChannelUpdate, Status: "webhook_callback_verification_failed", Condition: map[string]string{"broadcaster_user_id": "1001"}, Transport: twitchapi.Transport{Method: "webhook", Callback: cb}},
			{ID: "other", Type: "channel.follow", Status: "enabled", Transport: twitchapi.Transport{Method: "webhook", Callback: "https://old.example/cb"}},
			{ID: "foreign", Type: TypeStreamOnline, Status: "enabled", Condition: map[string]string{"broadcaster_user_id": "9999"}, Transport: twitchapi.Transport{Method: "webhook", Callback: "https://staging.example/cb"}},
		},
		conflict: "none",
	}
	s := &Subscriber{API: api, Callback: cb, Secret: testSecret}
	require.NoError(t, s.Ensure(context.Background(), []string{"1001", "2002"}))

	assert.ElementsMatch(t, []string{"moved", "failed"}, api.deleted)
	assert.NotContains(t, api.deleted, "foreign")
	var got []string
	for _, c := range api.created {
		got = append(got, c.Type+"/"+c.Condition["broadcaster_user_id"])
		assert.Equal(t, cb, c.Transport.Callback)
		assert.Equal(t, testSecret, c.Transport.Secret)
	}
	assert.ElementsMatch(t, []string{
		"stream.offline/1001", "channel.update/1001",
		"stream.online/2002", "stream.offline/2002", "channel.update/2002",
	}, got)
}

func TestSubscriberEnsureToleratesConflicts(t *testing.T) {
	api := &fakeSubAPI{conflict: TypeStreamOnline}
	s := &Subscriber{API: api, Callback: "https://x.example/cb"}
	assert.NoError(t, s.Ensure(context.Background(), []string{"1001"}))
	assert.Len(t, api.created, 2)

	err := (&Subscriber{API: api}).Ensure(context.Background(), []string{"1001"})
	assert.Error(t, err)
	assert.False(t, errors.Is(err, twitchapi.ErrSubscriptionExists))
}
