package emoteapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/c/somestreamer":
			_, _ = w.Write([]byte(`{"success":true,"user":"somestreamer","emotes":[
				{"emote":"KEKW","emote_id":"60a","count":120,"added":"2023-01-01T00:00:00Z"},
				{"emote":"OMEGALUL","emote_id":"60b","count":7,"added":"2023-01-01T00:00:00Z"}]}`))
		case "/c/keyed":
			_, _ = w.Write([]byte(`{"success":true,"user":{"twitch_username":"keyed"},"emotes":{"60a":{"emote":"KEKW","emote_id":"60a","count":3}}}`))
		case "/c/untracked":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := New(srv.URL + "/c")
	ctx := context.Background()

	n, err := c.Count(ctx, "SomeStreamer", "KEKW")
	require.NoError(t, err)
	assert.Equal(t, 120, n)

	n, err = c.Count(ctx, "keyed", "KEKW")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.Count(ctx, "somestreamer", "kekw")
	assert.ErrorContains(t, err, "not found")

	_, err = c.Count(ctx, "untracked", "KEKW")
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	_, err = c.Count(ctx, "missing", "KEKW")
	assert.True(t, errors.Is(err, ErrUnknownChannel))

	_, err = c.Count(ctx, "", "KEKW")
	assert.Error(t, err)
}

func TestClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Channel(context.Background(), "somestreamer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestChannelDecodeNullEmotes(t *testing.T) {
	var ch Channel
	require.NoError(t, json.Unmarshal([]byte(`{"success":true,"user":"x","emotes":null}`), &ch))
	assert.Empty(t, ch.Emotes)
	_, ok := ch.Find("KEKW")
	assert.False(t, ok)
}

func TestChannelDecodeUserObject(t *testing.T) {
	body := `{"success":true,"user":{"id":7,"twitch_username":"somestreamer","stv_id":"abc","tracking_since":"2023-01-01","tracking":true},` +
		`"emotes":{"0":{"emote":"KEKW","emote_id":"e1","count":9,"added":"2023-01-02"}}}`
	var ch Channel
	require.NoError(t, json.Unmarshal([]byte(body), &ch))
	assert.Equal(t, "somestreamer", ch.User)
	u, ok := ch.Find("KEKW")
	require.True(t, ok)
	assert.Equal(t, 9, u.Count)
}
