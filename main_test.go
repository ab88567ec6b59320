package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/back2basic/netwatch/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestFlagsAreValidated(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--capture", "pcap"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown capture backend")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"--tick=-1s"})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tick must be positive")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(&config.Config{Log: config.LogConfig{Level: "info"}})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "dashboard without a log file discards logs")

	logger, err = newLogger(&config.Config{Raw: true, Log: config.LogConfig{Level: "debug"}})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = newLogger(&config.Config{Raw: true, Log: config.LogConfig{Level: "loud"}})
	assert.Error(t, err)
}
