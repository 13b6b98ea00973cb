package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"testgen/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_AutoWithoutTerminalWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := newLogger(config.LogConfig{Level: "info", Format: FormatAuto}, &buf, false)
	require.NoError(t, err)
	defer cleanup()

	logger.Debug("hidden")
	logger.Info("generation started", "model", "llama3.2")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "generation started", record["msg"])
	assert.Equal(t, "llama3.2", record["model"])
}

func TestNew_TextFormatIsPlainWithoutTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, cleanup, err := newLogger(config.LogConfig{Format: FormatText}, &buf, false)
	require.NoError(t, err)
	defer cleanup()

	logger.Warn("skipping malformed upstream line", "bytes", 12)

	out := buf.String()
	assert.Contains(t, out, "skipping malformed upstream line")
	assert.Contains(t, out, "bytes=12")
	assert.NotContains(t, out, "\x1b[", "no ANSI escapes when not a terminal")
}

func TestNew_FileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "testgen.log")

	logger, cleanup, err := newLogger(config.LogConfig{
		Format:     FormatJSON,
		File:       path,
		MaxSizeMB:  1,
		MaxBackups: 1,
	}, &buf, false)
	require.NoError(t, err)

	logger.With("request_id", "abc").Error("generation failed")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"request_id":"abc"`)
	assert.Contains(t, buf.String(), `"request_id":"abc"`)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, _, err := newLogger(config.LogConfig{Level: "loud"}, &bytes.Buffer{}, false)
	assert.Error(t, err)

	_, _, err = newLogger(config.LogConfig{Format: "xml"}, &bytes.Buffer{}, false)
	assert.Error(t, err)
}
