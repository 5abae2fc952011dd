package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		CLISpec: "warn,store=debug",
		Format:  FormatJSON,
		Output:  &buf,
	})
	require.NoError(t, err)

	store := logger.With("component", "store")
	reconciler := logger.With("component", "reconciler")

	store.Debug("store debug visible")
	reconciler.Info("reconciler info suppressed")
	reconciler.Warn("reconciler warn visible")
	logger.Info("base info suppressed")

	out := buf.String()
	assert.Contains(t, out, "store debug visible")
	assert.NotContains(t, out, "reconciler info suppressed")
	assert.Contains(t, out, "reconciler warn visible")
	assert.NotContains(t, out, "base info suppressed")
}

func TestCLISpecWinsOverConfig(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{
		CLISpec:    "error",
		ConfigSpec: "debug",
		Format:     FormatText,
		Output:     &buf,
	})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Error("kept")

	lines := strings.TrimSpace(buf.String())
	assert.NotContains(t, lines, "dropped")
	assert.Contains(t, lines, "kept")
}

func TestInvalidSpecRejected(t *testing.T) {
	_, err := New(Options{CLISpec: "loud"})
	assert.Error(t, err)
}
