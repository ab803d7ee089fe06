package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactsSecretAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, &Config{Level: LevelInfo, Format: FormatJSON, Component: "test"})

	log.Info("unlock attempt", "vault_id", "v1", "password", "hunter2", "search_key", "deadbeef")

	out := buf.String()
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "deadbeef")
	assert.Contains(t, out, "v1")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, &Config{Level: LevelWarn, Format: FormatText})

	log.Info("quiet")
	log.Warn("loud")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "loud")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
}
