package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Format: "json", Output: &buf})

	log.Info("dropped")
	log.Warn("split failed", "dimension", "borough")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"split failed"`)
	assert.Contains(t, out, `"dimension":"borough"`)
	assert.Contains(t, out, `"service":"kpitree"`)
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Output: &buf}).Info("catalog loaded", "dims", 3)

	assert.Contains(t, buf.String(), "msg=\"catalog loaded\"")
	assert.Contains(t, buf.String(), "dims=3")
}
