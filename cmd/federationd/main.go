// Package main runs federationd, a single-node development federation.
package main

import (
	"log/slog"
	"os"

	"github.com/fluttermint/minimint-bridge/cmd/federationd/app"
)

func main() {
	app.LogLevel.Set(app.LevelFromEnv())
	// logs go to stderr so `version --format json` stays parseable
	slog.SetDefault(app.NewLogger(os.Stderr))

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
