package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// configureLogger builds a logger whose level is taken from --log-level,
// falling back to the BLE_LOG environment variable (SPEC_FULL.md §6.6's
// RUST_LOG-equivalent) when the flag is absent, matching the teacher's
// cmd/blim/logging.go precedence: flag first, environment/fallback second.
func configureLogger(cmd *cobra.Command) (*logrus.Logger, error) {
	logLevel := logrus.InfoLevel

	levelStr, _ := cmd.Flags().GetString("log-level")
	if levelStr == "" {
		levelStr = os.Getenv("BLE_LOG")
	}

	if levelStr != "" {
		parsed, err := logrus.ParseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q (must be debug, info, warn, or error): %w", levelStr, err)
		}
		logLevel = parsed
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
