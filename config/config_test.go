package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/emote-tracker/stream"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "CHANNEL_PROFILES", "PROFILES_FILE",
		"POLL_INTERVAL", "GATEWAY_TIMEOUT", "EMOTE_SOURCE", "EMOTE_API_URL",
		"EVENTSUB_CALLBACK_URL", "EVENTSUB_SECRET", "EVENTSUB_ENABLED",
		"STORE_BACKEND", "DB_DSN", "HTTP_ADDR", "ADMIN_TOKEN", "ENCRYPTION_KEY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want 5m", cfg.PollInterval)
	}
	if cfg.GatewayTimeout != 10*time.Second {
		t.Errorf("GatewayTimeout = %v, want 10s", cfg.GatewayTimeout)
	}
	if cfg.StoreBackend != BackendPostgres || cfg.EmoteSource != EmoteSourceAPI {
		t.Errorf("unexpected defaults backend=%s source=%s", cfg.StoreBackend, cfg.EmoteSource)
	}
	if cfg.EventSubEnabled {
		t.Errorf("eventsub must be disabled without a callback url")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
}

func TestLoadProfilesFromEnvAndFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	yml := "- channel_id: \"1001\"\n  emote: KEKW\n- channel_id: \"2002\"\n  emote: LUL\n"
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROFILES_FILE", path)
	t.Setenv("CHANNEL_PROFILES", " 3003:OMEGALUL , ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []stream.Profile{{ChannelID: "1001", Emote: "KEKW"}, {ChannelID: "2002", Emote: "LUL"}, {ChannelID: "3003", Emote: "OMEGALUL"}}
	if len(cfg.Profiles) != len(want) {
		t.Fatalf("profiles = %+v", cfg.Profiles)
	}
	for i := range want {
		if cfg.Profiles[i] != want[i] {
			t.Errorf("profile[%d] = %+v, want %+v", i, cfg.Profiles[i], want[i])
		}
	}
	if got := strings.Join(cfg.ChannelIDs(), ","); got != "1001,2002,3003" {
		t.Errorf("ChannelIDs() = %s", got)
	}
}

func TestParseProfilesErrors(t *testing.T) {
	for _, in := range []string{"1001", "1001:", ":KEKW"} {
		if _, err := ParseProfiles(in); err == nil {
			t.Errorf("ParseProfiles(%q) expected error", in)
		}
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for invalid POLL_INTERVAL")
	}
	t.Setenv("POLL_INTERVAL", "-1m")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for negative POLL_INTERVAL")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load()
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected error when credentials and profiles are missing")
	}
	if !strings.Contains(err.Error(), "TWITCH_CLIENT_ID") || !strings.Contains(err.Error(), "CHANNEL_PROFILES") {
		t.Errorf("error should list every problem, got %v", err)
	}

	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("CHANNEL_PROFILES", "1001:KEKW")
	cfg, _ = Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	t.Setenv("EVENTSUB_CALLBACK_URL", "http://insecure.example/cb")
	cfg, _ = Load()
	if !cfg.EventSubEnabled {
		t.Fatalf("callback url should enable eventsub")
	}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for non-https callback")
	}

	t.Setenv("EVENTSUB_ENABLED", "false")
	cfg, _ = Load()
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled eventsub should not validate the callback, got %v", err)
	}
}
