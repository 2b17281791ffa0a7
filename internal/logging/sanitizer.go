package logging

import "regexp"

// Sanitizer redacts credentials from log output. The core handles two of its
// own secrets (the per-request bearer token and the TCP handshake token, both
// 64 hex chars) plus common third-party key shapes that could leak through
// agent transcripts.
type Sanitizer struct {
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with default patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultPatterns(),
		redacted: "[REDACTED]",
	}
}

func defaultPatterns() []*regexp.Regexp {
	patterns := []string{
		// Kagan bearer / handshake tokens in key=value or JSON position
		`(?i)(?:token|handshake_token)["'\s:=]+[0-9a-f]{64}`,
		// Anthropic
		`sk-ant-[a-zA-Z0-9-]{40,}`,
		// OpenAI
		`sk-[A-Za-z0-9]{20,}`,
		// GitHub tokens
		`gh[opus]_[A-Za-z0-9]{36}`,
		// Generic Bearer headers
		`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
		// Generic API keys / secrets / passwords
		`(?i)api[_-]?key["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)secret["'\s:=]+[a-zA-Z0-9_-]{20,}`,
		`(?i)password["'\s:=]+[^\s"']{8,}`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	result := input
	for _, pattern := range s.patterns {
		result = pattern.ReplaceAllString(result, s.redacted)
	}
	return result
}
