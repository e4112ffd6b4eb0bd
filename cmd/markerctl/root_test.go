package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/emote-tracker/app"
	"github.com/onnwee/emote-tracker/config"
	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/stream"
)

func seededEnv(t *testing.T) *env {
	t.Helper()
	store := kv.NewMemoryStore()
	ctx := context.Background()
	ms := stream.NewMarkerStore(store)
	started := time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC)
	require.NoError(t, ms.CreateRecord(ctx, "1001", "s1", stream.StreamRecord{Title: "first", Viewers: 42, StartedAt: started}))
	five, twelve := 5, 12
	_, err := ms.Append(ctx, "1001", "s1", started.UnixMilli(), stream.Marker{Type: stream.MarkerStart, Category: stream.Category{ID: "1", Name: "Just Chatting"}, EmoteCount: &five})
	require.NoError(t, err)
	_, err = ms.Append(ctx, "1001", "s1", started.Add(time.Hour).UnixMilli(), stream.Marker{Type: stream.MarkerCategoryChanged, Category: stream.Category{ID: "2", Name: "Chess"}, EmoteCount: &twelve})
	require.NoError(t, err)

	cfg := &config.Config{StoreBackend: config.BackendMemory, Profiles: []stream.Profile{{ChannelID: "1001", Emote: "KEKW"}}}
	return &env{
		loadConfig: func() (*config.Config, error) { return cfg, nil },
		openStore: func(context.Context, *config.Config, bool) (*app.Store, error) {
			return &app.Store{KV: store}, nil
		},
		tracker: func(cfg *config.Config, st *app.Store) *app.Tracker {
			return app.NewTracker(cfg, st.KV, app.Options{})
		},
	}
}

func execute(t *testing.T, e *env, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(e)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStreamsText(t *testing.T) {
	out, err := execute(t, seededEnv(t), "streams", "1001")
	require.NoError(t, err)
	assert.Contains(t, out, "STREAM")
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "live")
	assert.Contains(t, out, "first")
}

func TestStreamsJSON(t *testing.T) {
	out, err := execute(t, seededEnv(t), "--format", "json", "streams", "1001")
	require.NoError(t, err)
	var rows []streamRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "s1", rows[0].StreamID)
	assert.Equal(t, 42, rows[0].Viewers)
	assert.Nil(t, rows[0].EndedAt)
}

func TestReportJSON(t *testing.T) {
	out, err := execute(t, seededEnv(t), "--format", "json", "report", "1001", "s1")
	require.NoError(t, err)
	var r report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	require.Len(t, r.Markers, 2)
	assert.Equal(t, stream.MarkerStart, r.Markers[0].Type)
	assert.Equal(t, stream.MarkerCategoryChanged, r.Markers[1].Type)
	require.NotNil(t, r.Markers[1].EmoteCount)
	assert.Equal(t, 12, *r.Markers[1].EmoteCount)
}

func TestReportUnknownStream(t *testing.T) {
	_, err := execute(t, seededEnv(t), "report", "1001", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, seededEnv(t), "--format", "yaml", "streams", "1001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, err := execute(t, seededEnv(t), "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}
