package logger_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/mpataki/gun/internal/logger"
	"github.com/stretchr/testify/assert"
	"go.trai.ch/zerr"
)

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.New("info")
	lg.SetOutput(&buf)

	lg.Info("execution started", "execution_id", 7)

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, `msg="execution started"`)
	assert.Contains(t, out, "execution_id=7")
}

func TestLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.New("warn")
	lg.SetOutput(&buf)

	lg.Info("hidden")
	lg.Warn("queue nearly full")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestLogger_ErrorCarriesMetadata(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.New("info")
	lg.SetOutput(&buf)

	err := zerr.With(zerr.Wrap(zerr.New("connection refused"), "failed to persist unit"), "unit_id", 42)
	lg.Error(err, "execution_id", 3)

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "failed to persist unit: connection refused")
	assert.Contains(t, out, "unit_id=42")
	assert.Contains(t, out, "execution_id=3")
}

func TestLogger_ErrorNilIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.New("info")
	lg.SetOutput(&buf)

	lg.Error(nil)
	assert.Empty(t, buf.String())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.ParseLevel(tt.in))
		})
	}
}
