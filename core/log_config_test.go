package core_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/patrikhermansson/recall/core"
)

func TestLevelFromEnv(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, core.LevelFromEnv("off"))
	assert.Equal(t, zerolog.Disabled, core.LevelFromEnv("0"))
	assert.Equal(t, zerolog.DebugLevel, core.LevelFromEnv("FULL"))
	assert.Equal(t, zerolog.InfoLevel, core.LevelFromEnv(""))
	assert.Equal(t, zerolog.InfoLevel, core.LevelFromEnv("whatever"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, core.ParseLevel("warn"))
	assert.Equal(t, zerolog.Disabled, core.ParseLevel("0"))
	assert.Equal(t, zerolog.DebugLevel, core.ParseLevel("full"))
	assert.Equal(t, zerolog.InfoLevel, core.ParseLevel("nonsense"))
}

func TestSetupLoggingWritesJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var buf bytes.Buffer
	logger := core.SetupLogging("info", "json", &buf)
	logger.Info().Str("component", "test").Msg("hello")

	assert.Contains(t, buf.String(), `"component":"test"`)
	assert.Contains(t, buf.String(), `"message":"hello"`)
}
