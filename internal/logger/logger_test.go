package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithOutput(&buf), WithLevel(slog.LevelWarn))

	log.Info("hidden")
	log.Warn("shown", "sessionID", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "sessionID=abc")
}

func TestLoggerWithAndGroup(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithOutput(&buf), WithFormat(FormatJSON))

	log.With("agentType", "claude").WithGroup("turn").Info("started", "pid", 42)

	out := buf.String()
	assert.Contains(t, out, `"agentType":"claude"`)
	assert.Contains(t, out, `"turn":{"pid":42}`)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "DEBUG", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNop(t *testing.T) {
	// Should not panic
	Nop().With("k", "v").Error("nothing")
}
