// Package errparse extracts a user-presentable error from Codex
// subprocess stderr, for the case where the subprocess exits before
// emitting any app-server notification at all (so C2 never sees a
// turn/completed or error event to canonicalize). Grounded verbatim on
// the teacher's codex transport adapter's errors.go, which parses the
// same stderr log line shape Codex's Rust binary emits regardless of
// which transport drives it.
package errparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// stderrErrorRegex matches Codex's stderr error log format:
// TIMESTAMP ERROR module: error=HTTP_ERROR: Some("JSON")
var stderrErrorRegex = regexp.MustCompile(`error=(.+?):\s*Some\("(.+)"\)\s*$`)

// ParsedError is the parsed error information from one Codex stderr line.
type ParsedError struct {
	Message         string
	HTTPError       string
	RawJSON         map[string]any
	ErrorType       string
	ResetsInSeconds int64
}

// ParseLine attempts to parse one stderr line. Returns nil if the line
// does not match Codex's error log shape.
//
// Example input:
//
//	2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{...}}")
func ParseLine(line string) *ParsedError {
	matches := stderrErrorRegex.FindStringSubmatch(line)
	if len(matches) < 3 {
		return nil
	}

	httpError := strings.TrimSpace(matches[1])
	jsonStr := matches[2]

	unescaped := strings.ReplaceAll(jsonStr, `\"`, `"`)
	unescaped = strings.ReplaceAll(unescaped, `\\`, `\`)

	result := &ParsedError{HTTPError: httpError}

	var rawData map[string]any
	if err := json.Unmarshal([]byte(unescaped), &rawData); err != nil {
		result.Message = httpError
		return result
	}
	result.RawJSON = rawData

	errorType, errorMessage, resetsIn := extractErrorFields(rawData)
	result.ErrorType = errorType
	result.ResetsInSeconds = resetsIn
	result.Message = buildMessage(errorMessage, errorType, httpError, resetsIn, rawData)
	return result
}

// ParseLines searches lines from the end (most recent) first, returning
// the first parseable error found, or nil.
func ParseLines(lines []string) *ParsedError {
	for i := len(lines) - 1; i >= 0; i-- {
		if parsed := ParseLine(lines[i]); parsed != nil {
			return parsed
		}
	}
	return nil
}

func extractErrorFields(rawData map[string]any) (errorType, errorMessage string, resetsInSeconds int64) {
	if errObj, ok := rawData["error"].(map[string]any); ok {
		if t, ok := errObj["type"].(string); ok {
			errorType = t
		}
		if m, ok := errObj["message"].(string); ok {
			errorMessage = m
		}
		if r, ok := errObj["resets_in_seconds"].(float64); ok {
			resetsInSeconds = int64(r)
		}
	}
	if errorMessage == "" {
		if m, ok := rawData["message"].(string); ok {
			errorMessage = m
		}
	}
	if errorType == "" {
		if t, ok := rawData["type"].(string); ok {
			errorType = t
		}
	}
	return errorType, errorMessage, resetsInSeconds
}

func appendResetTime(msg string, resetsInSeconds int64) string {
	if resetsInSeconds <= 0 {
		return msg
	}
	duration := time.Duration(resetsInSeconds) * time.Second
	switch {
	case duration.Hours() >= 1:
		return fmt.Sprintf("%s (resets in %.0f hours)", msg, duration.Hours())
	case duration.Minutes() >= 1:
		return fmt.Sprintf("%s (resets in %.0f minutes)", msg, duration.Minutes())
	default:
		return fmt.Sprintf("%s (resets in %d seconds)", msg, int(duration.Seconds()))
	}
}

func buildMessage(errorMessage, errorType, httpError string, resetsInSeconds int64, rawData map[string]any) string {
	switch {
	case errorMessage != "":
		return appendResetTime(errorMessage, resetsInSeconds)
	case errorType != "":
		return fmt.Sprintf("Error: %s", errorType)
	default:
		jsonBytes, _ := json.MarshalIndent(rawData, "", "  ")
		return fmt.Sprintf("%s\n\n%s", httpError, string(jsonBytes))
	}
}
