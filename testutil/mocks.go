// Package testutil provides a mock Twitch/emote usage server and a Postgres
// test database helper.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// MockTwitchServer serves the Helix, OAuth and emote usage endpoints the
// tracker uses. State is mutable while the server runs.
//
//	/oauth2/token                client credentials
//	/helix/users                 ?id= or ?login=
//	/helix/streams               ?user_id= or ?user_login=
//	/helix/eventsub/subscriptions
//	/c/{login}                   emote usage
type MockTwitchServer struct {
	*httptest.Server

	mu      sync.Mutex
	users   map[string]string // id -> login
	streams map[string]map[string]any
	usage   map[string]map[string]int // login -> emote -> count
	subs    []map[string]any
	nextSub int
	hits    map[string]int
}

// NewMockTwitchServer starts a mock server closed on test cleanup.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		users:   map[string]string{},
		streams: map[string]map[string]any{},
		usage:   map[string]map[string]int{},
		hits:    map[string]int{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", m.token)
	mux.HandleFunc("/helix/users", m.getUsers)
	mux.HandleFunc("/helix/streams", m.getStreams)
	mux.HandleFunc("/helix/eventsub/subscriptions", m.eventSub)
	mux.HandleFunc("/c/", m.emotes)
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		m.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the HelixClient base URL.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the client credentials endpoint.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// EmoteURL is the emote usage base URL.
func (m *MockTwitchServer) EmoteURL() string { return m.URL + "/c/" }

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// AddUser registers a broadcaster.
func (m *MockTwitchServer) AddUser(id, login string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = login
}

// SetLive marks the broadcaster live with the given stream.
func (m *MockTwitchServer) SetLive(userID, streamID, gameID, gameName, title string, viewers int, startedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[userID] = map[string]any{
		"id":           streamID,
		"user_id":      userID,
		"user_login":   m.users[userID],
		"game_id":      gameID,
		"game_name":    gameName,
		"type":         "live",
		"title":        title,
		"viewer_count": viewers,
		"started_at":   startedAt.UTC().Format(time.RFC3339),
	}
}

// SetOffline removes the broadcaster's live stream.
func (m *MockTwitchServer) SetOffline(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, userID)
}

// SetUsage sets the emote usage count reported for a login.
func (m *MockTwitchServer) SetUsage(login, emote string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usage[login] == nil {
		m.usage[login] = map[string]int{}
	}
	m.usage[login][emote] = count
}

// Subscriptions returns the registered EventSub subscriptions.
func (m *MockTwitchServer) Subscriptions() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]any(nil), m.subs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

func (m *MockTwitchServer) token(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": "mock-app-token",
		"expires_in":   3600,
		"token_type":   "bearer",
	})
}

func (m *MockTwitchServer) getUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	q := r.URL.Query()
	for id, login := range m.users {
		if id == q.Get("id") || (q.Get("login") != "" && strings.EqualFold(login, q.Get("login"))) {
			data = append(data, map[string]string{"id": id, "login": login, "display_name": login})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (m *MockTwitchServer) getStreams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]any{}
	q := r.URL.Query()
	userID := q.Get("user_id")
	if login := q.Get("user_login"); login != "" {
		for id, l := range m.users {
			if strings.EqualFold(l, login) {
				userID = id
			}
		}
	}
	if s, ok := m.streams[userID]; ok {
		data = append(data, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data, "pagination": map[string]string{}})
}

func (m *MockTwitchServer) eventSub(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"data": m.subs, "pagination": map[string]string{}})
	case http.MethodPost:
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
			return
		}
		m.nextSub++
		req["id"] = fmt.Sprintf("sub-%d", m.nextSub)
		req["status"] = "webhook_callback_verification_pending"
		if tr, ok := req["transport"].(map[string]any); ok {
			delete(tr, "secret")
		}
		m.subs = append(m.subs, req)
		writeJSON(w, http.StatusAccepted, map[string]any{"data": []any{req}})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		kept := m.subs[:0]
		for _, s := range m.subs {
			if s["id"] != id {
				kept = append(kept, s)
			}
		}
		m.subs = kept
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *MockTwitchServer) emotes(w http.ResponseWriter, r *http.Request) {
	login := strings.TrimPrefix(r.URL.Path, "/c/")
	m.mu.Lock()
	defer m.mu.Unlock()
	counts, ok := m.usage[login]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
		return
	}
	emotes := []map[string]any{}
	for name, n := range counts {
		emotes = append(emotes, map[string]any{"emote": name, "emote_id": name, "count": n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": login, "emotes": emotes})
}
