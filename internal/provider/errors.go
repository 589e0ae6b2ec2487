package provider

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInterrupted reports a stream that failed after emitting at least one
// content byte. Callers keep the partial content and reconcile on the next
// refresh instead of surfacing a blocking error.
var ErrInterrupted = errors.New("provider: stream interrupted after partial content")

// UpstreamError is a non-success response from the provider. The body is
// sanitized before it reaches any caller-facing surface.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider: upstream status %d", e.Status)
	}
	return fmt.Sprintf("provider: upstream status %d: %s", e.Status, SanitizeSecrets(e.Body))
}

// apiKeyPattern matches "api key: <value>" shaped substrings, tolerating
// underscores, hyphens, and = as the separator.
var apiKeyPattern = regexp.MustCompile(`(?i)(api[\s_-]?key\s*[:=]\s*)([^\s"',;]+)`)

// SanitizeSecrets redacts api-key-shaped values down to their last 4
// characters. Applied to all upstream error text before display.
func SanitizeSecrets(s string) string {
	return apiKeyPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := apiKeyPattern.FindStringSubmatch(match)
		prefix, value := parts[1], parts[2]
		if len(value) <= 4 {
			return prefix + value
		}
		return prefix + "..." + value[len(value)-4:]
	})
}
