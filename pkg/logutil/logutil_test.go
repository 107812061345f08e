package logutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]string{
		"":        "info",
		"INFO":    "info",
		"debug":   "debug",
		"WARNING": "warn",
		"warn":    "warn",
		"Error":   "error",
	}
	for in, want := range cases {
		got, err := parseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := parseLevel("TRACE")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	got, err := parseFormat("")
	require.NoError(t, err)
	assert.Equal(t, "json", got)

	got, err = parseFormat("CONSOLE")
	require.NoError(t, err)
	assert.Equal(t, "console", got)

	_, err = parseFormat("xml")
	assert.Error(t, err)
}

func TestZapLevelOf(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, zapLevelOf("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, zapLevelOf("warn"))
	assert.Equal(t, zapcore.ErrorLevel, zapLevelOf("ERROR"))
	assert.Equal(t, zapcore.InfoLevel, zapLevelOf("INFO"))
	assert.Equal(t, zapcore.InfoLevel, zapLevelOf("unknown"))
}
