package logging

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "registry").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "registry", line["component"])
	assert.Equal(t, "shown", line["message"])
	assert.Contains(t, line, "time")
}

func TestNewDefaultsAndConsole(t *testing.T) {
	var buf bytes.Buffer
	quiet := New(Config{Level: "nonsense"}, &buf)
	quiet.Debug().Msg("below info")
	assert.Empty(t, buf.String())

	buf.Reset()
	console := New(Config{Format: "console"}, &buf)
	console.Info().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.NotContains(t, buf.String(), `"message"`)
}

func TestNewCallerAndTimeFormat(t *testing.T) {
	prev := zerolog.TimeFieldFormat
	t.Cleanup(func() { zerolog.TimeFieldFormat = prev })

	var buf bytes.Buffer
	logger := New(Config{Caller: true, TimeFormat: time.DateOnly}, &buf)
	logger.Info().Msg("with caller")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Contains(t, line["caller"], "logging_test.go")
	stamp, ok := line["time"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.DateOnly, stamp)
	assert.NoError(t, err)
}

func TestOutputFor(t *testing.T) {
	assert.Equal(t, os.Stderr, outputFor("STDERR"))
	assert.Equal(t, os.Stdout, outputFor("stdout"))
	assert.Equal(t, os.Stdout, outputFor(""))
}
