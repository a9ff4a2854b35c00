// Package server holds the logging and monitoring plumbing shared by the
// challenger binary.
package server

import (
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

// DefaultLogger creates a JSON logger tagged with the app name and, when
// available, the vcs revision of the build.
func DefaultLogger(appName string) *zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", appName).Logger()
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && len(s.Value) == 40 {
				logger = logger.With().Str("commit", s.Value[:7]).Logger()
				break
			}
		}
	}
	return &logger
}

// SetLevel applies the configured global log level if one is set.
func SetLevel(logger *zerolog.Logger, level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to parse log level.")
	}
	zerolog.SetGlobalLevel(lvl)
}
