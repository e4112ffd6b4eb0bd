package eventsub

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/onnwee/emote-tracker/crypto"
	"github.com/onnwee/emote-tracker/kv"
)

// Twitch accepts secrets of 10 to 100 ASCII characters.
const (
	minSecretLen = 10
	maxSecretLen = 100
)

// LoadSecret returns the webhook signing secret. An explicit secret wins; then
// the one stored at secrets/eventsub; otherwise a new random secret is
// generated and stored, sealed with enc when enc is non-nil.
func LoadSecret(ctx context.Context, store kv.Store, enc crypto.Encryptor, explicit string) (string, error) {
	if explicit != "" {
		if len(explicit) < minSecretLen || len(explicit) > maxSecretLen {
			return "", fmt.Errorf("eventsub secret must be %d-%d characters", minSecretLen, maxSecretLen)
		}
		return explicit, nil
	}
	var sealed crypto.Sealed
	ok, err := store.Get(ctx, kv.Secret("eventsub"), &sealed)
	if err != nil {
		return "", fmt.Errorf("read eventsub secret: %w", err)
	}
	if ok && sealed.Value != "" {
		secret, err := crypto.Open(enc, sealed)
		if err != nil {
			return "", fmt.Errorf("open eventsub secret: %w", err)
		}
		return secret, nil
	}

	secret, err := generateSecret()
	if err != nil {
		return "", err
	}
	sealed, err = crypto.Seal(enc, secret)
	if err != nil {
		return "", fmt.Errorf("seal eventsub secret: %w", err)
	}
	if err := store.Set(ctx, kv.Secret("eventsub"), sealed); err != nil {
		return "", fmt.Errorf("store eventsub secret: %w", err)
	}
	slog.Info("generated eventsub secret", slog.Bool("encrypted", sealed.Version != 0))
	return secret, nil
}

// generateSecret returns 32 random bytes, base64url encoded without padding.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate eventsub secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
