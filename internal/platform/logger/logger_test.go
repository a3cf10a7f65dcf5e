package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWithWriter(t *testing.T) {
	t.Run("json by default", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "info", "")
		log.Info("flushed", "events", 3)

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "flushed", line["msg"])
		assert.Equal(t, float64(3), line["events"])
	})

	t.Run("console format is text", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "info", "console")
		log.Info("flushed")
		assert.Contains(t, buf.String(), "msg=flushed")
	})

	t.Run("level filters debug lines", func(t *testing.T) {
		var buf bytes.Buffer
		log := NewWithWriter(&buf, "warn", "json")
		log.Debug("hidden")
		log.Info("hidden")
		assert.Empty(t, buf.String())
	})
}
