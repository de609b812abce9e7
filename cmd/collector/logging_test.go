package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagCommand(t *testing.T, logLevel string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "")
	if logLevel != "" {
		require.NoError(t, cmd.Flags().Set("log-level", logLevel))
	}
	return cmd
}

func TestConfigureLogger_DefaultsToInfo(t *testing.T) {
	cmd := newFlagCommand(t, "")
	t.Setenv("BLE_LOG", "")

	logger, err := configureLogger(cmd)
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestConfigureLogger_FlagTakesPrecedenceOverEnv(t *testing.T) {
	cmd := newFlagCommand(t, "debug")
	t.Setenv("BLE_LOG", "error")

	logger, err := configureLogger(cmd)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestConfigureLogger_FallsBackToEnv(t *testing.T) {
	cmd := newFlagCommand(t, "")
	t.Setenv("BLE_LOG", "warn")

	logger, err := configureLogger(cmd)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}

func TestConfigureLogger_InvalidLevelErrors(t *testing.T) {
	cmd := newFlagCommand(t, "not-a-level")
	t.Setenv("BLE_LOG", "")

	_, err := configureLogger(cmd)
	assert.Error(t, err)
}
