// Command markerctl inspects and maintains the marker store: run migrations,
// list a channel's streams, print a stream report, trigger one
// reconciliation pass and resolve logins to channel ids.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/emote-tracker/app"
)

func main() {
	_ = godotenv.Load()
	app.SetupLogging(os.Stderr)
	if err := newRootCommand(defaultEnv()).Execute(); err != nil {
		os.Exit(1)
	}
}
