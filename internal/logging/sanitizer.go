package logging

import (
	"regexp"
	"sync"
)

// Sanitizer redacts credentials from log output. Request payloads and worker
// deliverables pass through logs, and either may carry secrets.
type Sanitizer struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
	redacted string
}

// NewSanitizer creates a sanitizer with the default credential patterns.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: compilePatterns(defaultPatterns),
		redacted: "[REDACTED]",
	}
}

var defaultPatterns = []string{
	`sk-ant-[a-zA-Z0-9-]{40,}`,
	`sk-[A-Za-z0-9]{20,}`,
	`AIza[a-zA-Z0-9_-]{35}`,
	`gh[pousr]_[A-Za-z0-9]{36}`,
	`AKIA[0-9A-Z]{16}`,
	`xox[baprs]-[0-9a-zA-Z-]{10,}`,
	`(?i)bearer\s+[a-zA-Z0-9._-]{20,}`,
	// key:value request params, e.g. /deploy "prod" token:abc...
	`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*["']?[^\s"']{8,}`,
	`(?i)postgres(ql)?://[^:\s]+:[^@\s]+@`,
}

func compilePatterns(src []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(src))
	for _, p := range src {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Sanitize redacts sensitive information from a string.
func (s *Sanitizer) Sanitize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, re := range s.patterns {
		input = re.ReplaceAllString(input, s.redacted)
	}
	return input
}

// SanitizeMap redacts string values in a map, recursing into nested maps.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = s.Sanitize(val)
		case map[string]any:
			out[k] = s.SanitizeMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// AddPattern registers an extra pattern.
func (s *Sanitizer) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.patterns = append(s.patterns, re)
	s.mu.Unlock()
	return nil
}
