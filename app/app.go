// Package app assembles the tracker from configuration. It is shared by the
// service binary and the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/onnwee/emote-tracker/chat"
	"github.com/onnwee/emote-tracker/config"
	"github.com/onnwee/emote-tracker/crypto"
	"github.com/onnwee/emote-tracker/db"
	"github.com/onnwee/emote-tracker/emoteapi"
	"github.com/onnwee/emote-tracker/gateway"
	"github.com/onnwee/emote-tracker/kv"
	"github.com/onnwee/emote-tracker/stream"
	"github.com/onnwee/emote-tracker/twitchapi"
)

// SetupLogging installs the default slog logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func SetupLogging(w io.Writer) {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	format := "text"
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		format = "json"
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// Store is the opened storage backend.
type Store struct {
	KV kv.Store
	// DB is nil for the memory backend.
	DB *sql.DB
}

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return s.DB.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenStore opens the configured backend. With migrate set, Postgres schema
// migrations run first, falling back to the embedded schema.
func OpenStore(ctx context.Context, cfg *config.Config, migrate bool) (*Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		slog.Warn("using in-memory store: stream history is lost on exit")
		return &Store{KV: kv.NewMemoryStore()}, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if migrate {
		if err := Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
	}
	return &Store{KV: kv.NewPostgresStore(database), DB: database}, nil
}

// Migrate applies versioned migrations, falling back to the embedded schema
// for databases that predate them.
func Migrate(ctx context.Context, database *sql.DB) error {
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	err := db.RunMigrations(database)
	if err == nil {
		return nil
	}
	slog.Warn("versioned migrations failed, attempting fallback to embedded schema",
		slog.Any("err", err), slog.String("component", "db_migrate"))
	if ferr := db.Migrate(ctx, database); ferr != nil {
		return fmt.Errorf("migrate db: %w", errors.Join(err, ferr))
	}
	slog.Info("embedded schema applied", slog.String("component", "db_migrate"))
	return nil
}

// Encryptor returns the secrets encryptor, nil when no key is configured.
func Encryptor(cfg *config.Config) (crypto.Encryptor, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	return enc, nil
}

// Tracker is the assembled reconciliation stack.
type Tracker struct {
	Helix   *twitchapi.HelixClient
	Logins  *gateway.Logins
	Engine  *stream.Engine
	Tracker *stream.Tracker
	// Chat is set when usage is counted from chat; it must be Run.
	Chat *chat.Counter
}

// Options overrides upstream endpoints, used by tests.
type Options struct {
	HelixBaseURL string
	TokenURL     string
	HTTPClient   *http.Client
}

// NewTracker wires the Twitch client, gateways and engine over store.
func NewTracker(cfg *config.Config, store kv.Store, opts Options) *Tracker {
	tokens := &twitchapi.TokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		TokenURL:     opts.TokenURL,
		HTTPClient:   opts.HTTPClient,
		Cache:        twitchapi.KVTokenCache{KV: store},
	}
	helix := &twitchapi.HelixClient{
		AppTokenSource: tokens,
		ClientID:       cfg.TwitchClientID,
		HTTPClient:     opts.HTTPClient,
		BaseURL:        opts.HelixBaseURL,
	}
	logins := &gateway.Logins{Users: helix, Timeout: cfg.GatewayTimeout}
	snapshots := &gateway.Snapshots{Streams: helix, Timeout: cfg.GatewayTimeout}

	t := &Tracker{Helix: helix, Logins: logins}
	var usage stream.UsageSource
	if cfg.EmoteSource == config.EmoteSourceChat {
		t.Chat = chat.NewCounter(store, logins, cfg.Profiles)
		usage = t.Chat
	} else {
		emotes := emoteapi.New(cfg.EmoteAPIURL)
		if opts.HTTPClient != nil {
			emotes.HTTPClient = opts.HTTPClient
		}
		usage = &gateway.Usage{Logins: logins, Counts: emotes, Timeout: cfg.GatewayTimeout}
	}
	t.Engine = stream.NewEngine(store, snapshots, usage)
	t.Tracker = stream.NewTracker(t.Engine, cfg.Profiles)
	return t
}
