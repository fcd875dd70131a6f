package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }
	log := NewWithMetadata(&buf, LevelInfo, "scan-api", traceID, Events{}, map[string]string{"hostname": "h1"})

	log.With("component", "orchestrator").Info(context.Background(), "scan finished", "status", "COMPLETE")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scan finished", rec["msg"])
	assert.Equal(t, "scan-api", rec["service"])
	assert.Equal(t, "h1", rec["hostname"])
	assert.Equal(t, "orchestrator", rec["component"])
	assert.Equal(t, "COMPLETE", rec["status"])
	assert.Equal(t, "abc123", rec["trace_id"])
	assert.True(t, strings.HasPrefix(rec["file"].(string), "logger_test.go:"))
}

func TestLogger_MinLevelFiltersDebug(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "svc", nil)
	log.Debug(context.Background(), "hidden")
	assert.Zero(t, buf.Len())
}

func TestLogger_ErrorEventFires(t *testing.T) {
	t.Parallel()

	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	var buf bytes.Buffer
	log := NewWithEvents(&buf, LevelDebug, "svc", nil, events)
	log.Error(context.Background(), "persist failed", "scan_id", "s-1")

	assert.Equal(t, "persist failed", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "s-1", got.Attributes["scan_id"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]Level{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"info":    LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
