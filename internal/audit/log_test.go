package audit

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEventAndTail(t *testing.T) {
	logger := NewLogger(filepath.Join(t.TempDir(), "audit", "audit.sqlite"))

	require.NoError(t, logger.LogEvent("cli", EventWorkspaceInit, map[string]any{"root": "/tmp/ws"}))
	require.NoError(t, logger.LogEvent("cli", EventMeasurementRecorded, map[string]any{"ref": "performance_indicator:PI-1"}))
	require.NoError(t, logger.LogEvent("daemon", EventRecompute, map[string]any{"scope": "full"}))

	events, err := logger.Tail(2, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventMeasurementRecorded, events[0].Type)
	assert.Equal(t, EventRecompute, events[1].Type)
	assert.Equal(t, "daemon", events[1].Actor)
	assert.JSONEq(t, `{"scope":"full"}`, events[1].PayloadJSON)
	assert.False(t, events[1].Timestamp.IsZero())

	filtered, err := logger.Tail(10, EventWorkspaceInit)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "cli", filtered[0].Actor)
}

func TestTailEmptyLog(t *testing.T) {
	logger := NewLogger(filepath.Join(t.TempDir(), "audit.sqlite"))
	events, err := logger.Tail(5, "")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestNilLoggerDiscards(t *testing.T) {
	var logger *Logger
	require.NoError(t, logger.LogEvent("cli", EventRecompute, nil))
	events, err := logger.Tail(5, "")
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestLogEventRequiresPath(t *testing.T) {
	require.Error(t, NewLogger("").LogEvent("cli", EventRecompute, nil))
}
