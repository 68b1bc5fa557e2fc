package logging

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zerolog.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestUseConsole(t *testing.T) {
	assert.True(t, useConsole("console"))
	assert.True(t, useConsole("Console"))
	assert.False(t, useConsole("json"))
}

func TestWithComponent(t *testing.T) {
	Init(Config{Format: "json", Level: "info"})
	logger := With("engine")
	// Smoke check: the child logger is usable.
	logger.Info().Msg("ready")
}
