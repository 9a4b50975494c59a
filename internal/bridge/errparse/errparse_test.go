package errparse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLineExtractsRateLimitMessage(t *testing.T) {
	line := `2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{\"type\":\"rate_limit_exceeded\",\"message\":\"You have hit your rate limit\",\"resets_in_seconds\":120}}")`

	parsed := ParseLine(line)
	require.NotNil(t, parsed)
	require.Equal(t, "http 429 Too Many Requests", parsed.HTTPError)
	require.Equal(t, "rate_limit_exceeded", parsed.ErrorType)
	require.Equal(t, int64(120), parsed.ResetsInSeconds)
	require.Contains(t, parsed.Message, "You have hit your rate limit")
	require.Contains(t, parsed.Message, "resets in 2 minutes")
}

func TestParseLineFallsBackToHTTPErrorWhenJSONUnparseable(t *testing.T) {
	line := `2026-01-23T22:57:08Z ERROR mod: error=some error: Some("not valid json")`

	parsed := ParseLine(line)
	require.NotNil(t, parsed)
	require.Equal(t, "some error", parsed.Message)
}

func TestParseLineReturnsNilForNonMatchingLine(t *testing.T) {
	require.Nil(t, ParseLine("just a normal log line with nothing interesting"))
}

func TestParseLineFallsBackToErrorTypeWhenMessageMissing(t *testing.T) {
	line := `ts ERROR mod: error=boom: Some("{\"type\":\"internal_error\"}")`

	parsed := ParseLine(line)
	require.NotNil(t, parsed)
	require.Equal(t, "Error: internal_error", parsed.Message)
}

func TestParseLinesScansFromMostRecent(t *testing.T) {
	lines := []string{
		"unrelated startup line",
		`ts ERROR mod: error=first: Some("{\"message\":\"first error\"}")`,
		"some intermediate stdout noise",
		`ts ERROR mod: error=second: Some("{\"message\":\"second error\"}")`,
	}

	parsed := ParseLines(lines)
	require.NotNil(t, parsed)
	require.Equal(t, "second error", parsed.Message)
}

func TestParseLinesReturnsNilWhenNothingMatches(t *testing.T) {
	lines := []string{"a", "b", "c"}
	require.Nil(t, ParseLines(lines))
}

func TestAppendResetTimeFormatsByMagnitude(t *testing.T) {
	tests := []struct {
		name     string
		seconds  int64
		contains string
	}{
		{name: "seconds", seconds: 30, contains: "30 seconds"},
		{name: "minutes", seconds: 300, contains: "5 minutes"},
		{name: "hours", seconds: 7200, contains: "2 hours"},
		{name: "zero is omitted", seconds: 0, contains: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := appendResetTime("base", tt.seconds)
			if tt.contains == "" {
				require.Equal(t, "base", got)
				return
			}
			require.Contains(t, got, tt.contains)
		})
	}
}
