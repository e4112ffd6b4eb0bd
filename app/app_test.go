package app

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/emote-tracker/config"
	"github.com/onnwee/emote-tracker/eventsub"
	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/testutil"
)

func testConfig(mock *testutil.MockTwitchServer) *config.Config {
	return &config.Config{
		TwitchClientID:     "cid",
		TwitchClientSecret: "csecret",
		Profiles:           []stream.Profile{{ChannelID: "1001", Emote: "KEKW"}},
		GatewayTimeout:     2 * time.Second,
		EmoteSource:        config.EmoteSourceAPI,
		EmoteAPIURL:        mock.EmoteURL(),
		StoreBackend:       config.BackendMemory,
	}
}

func TestTrackerLifecycleAgainstMockTwitch(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.AddUser("1001", "Streamer")
	mock.SetUsage("streamer", "KEKW", 5)
	mock.SetLive("1001", "s1", "509658", "Just Chatting", "hello", 42, time.Now().Add(-time.Hour))

	cfg := testConfig(mock)
	ctx := context.Background()
	store, err := OpenStore(ctx, cfg, true)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	tr := NewTracker(cfg, store.KV, Options{HelixBaseURL: mock.HelixURL(), TokenURL: mock.TokenURL()})
	require.Nil(t, tr.Chat)

	res, err := tr.Tracker.Trigger(ctx, "1001", stream.Event{})
	require.NoError(t, err)
	assert.Equal(t, stream.ActionStart, res.Action, res.String())

	mock.SetOffline("1001")
	mock.SetUsage("streamer", "KEKW", 20)
	res, err = tr.Tracker.Trigger(ctx, "1001", stream.Event{})
	require.NoError(t, err)
	assert.Equal(t, stream.ActionEnd, res.Action, res.String())

	rec, ok, err := tr.Engine.Markers().Record(ctx, "1001", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.EmoteUsage)
	assert.Equal(t, 15, *rec.EmoteUsage)
	assert.Equal(t, 42, rec.Viewers)
	assert.NotNil(t, rec.EndedAt)

	markers, err := tr.Engine.Markers().List(ctx, "1001", "s1")
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, stream.MarkerStart, markers[0].Type)
	assert.Equal(t, stream.MarkerEnd, markers[1].Type)

	// the app token is cached in the store and reused
	assert.Equal(t, 1, mock.Hits("/oauth2/token"))
	var cached map[string]any
	found, err := store.KV.Get(ctx, kv.Temp("access_token"), &cached)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestChatSourceWiresCounter(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	cfg := testConfig(mock)
	cfg.EmoteSource = config.EmoteSourceChat
	tr := NewTracker(cfg, kv.NewMemoryStore(), Options{HelixBaseURL: mock.HelixURL(), TokenURL: mock.TokenURL()})
	assert.NotNil(t, tr.Chat)
}

func TestSubscriberAgainstMockTwitch(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	cfg := testConfig(mock)
	tr := NewTracker(cfg, kv.NewMemoryStore(), Options{HelixBaseURL: mock.HelixURL(), TokenURL: mock.TokenURL()})

	sub := &eventsub.Subscriber{API: tr.Helix, Callback: "https://tracker.example.com/eventsub/callback", Secret: "0123456789abcdef"}
	require.NoError(t, sub.Ensure(context.Background(), cfg.ChannelIDs()))
	assert.Len(t, mock.Subscriptions(), len(eventsub.Wanted))

	// a second run finds them all in place
	require.NoError(t, sub.Ensure(context.Background(), cfg.ChannelIDs()))
	assert.Len(t, mock.Subscriptions(), len(eventsub.Wanted))
}

func TestEncryptor(t *testing.T) {
	enc, err := Encryptor(&config.Config{})
	require.NoError(t, err)
	assert.Nil(t, enc)

	_, err = Encryptor(&config.Config{EncryptionKey: "not-base64!"})
	assert.Error(t, err)

	enc, err = Encryptor(&config.Config{EncryptionKey: "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="})
	require.NoError(t, err)
	assert.NotNil(t, enc)
}

func TestSetupLogging(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "bogus")
	var buf bytes.Buffer
	SetupLogging(&buf)

	line, _, _ := strings.Cut(buf.String(), "\n")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "bogus", rec["value"])
}
