package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"trace":    zerolog.TraceLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	} {
		lvl, ok := parseLevel(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, lvl, raw)
	}
	for _, raw := range []string{"", "loud"} {
		_, ok := parseLevel(raw)
		require.False(t, ok, raw)
	}
}

func TestParseBool(t *testing.T) {
	v, ok := parseBool("true")
	require.True(t, ok)
	require.True(t, v)
	v, ok = parseBool(" 0 ")
	require.True(t, ok)
	require.False(t, v)
	_, ok = parseBool("sometimes")
	require.False(t, ok)
	_, ok = parseBool("")
	require.False(t, ok)
}

func TestApplyAndSetVerbose(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	apply(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf})
	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "app=photprep")

	SetVerbose(true)
	log.Debug().Msg("now visible")
	require.Contains(t, buf.String(), "now visible")

	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	SetVerbose(true)
	require.Equal(t, zerolog.TraceLevel, zerolog.GlobalLevel())
}
