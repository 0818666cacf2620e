package classify

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// @name or @name[variant]
	mentionRe = regexp.MustCompile(`(?:^|[\s(,;])@([A-Za-z0-9][\w-]*)(?:\[([\w.:-]+)\])?`)
	// /command-name at the very start of the input
	commandRe = regexp.MustCompile(`^/([A-Za-z][\w-]*)`)
	// !critical, !high, !standard, !low
	priorityRe = regexp.MustCompile(`(?i)(?:^|\s)!(critical|high|standard|low)\b`)
	// domain separators for fan-out requests
	domainSepRe = regexp.MustCompile(`(?i)\s+(?:and|then)\s+|\s*[+,;]\s*`)
)

// legacyPrefix is accepted in front of worker names and stripped.
const legacyPrefix = "agent-"

type mention struct {
	name    string
	variant string
}

// parseMentions returns mentions in order of appearance, deduplicated by name.
func parseMentions(input string) []mention {
	var out []mention
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(input, -1) {
		name := strings.ToLower(m[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, mention{name: name, variant: m[2]})
	}
	return out
}

func stripMentions(input string) string {
	return mentionRe.ReplaceAllStringFunc(input, func(s string) string {
		// keep the leading separator
		if i := strings.IndexByte(s, '@'); i > 0 {
			return s[:i]
		}
		return ""
	})
}

type command struct {
	name   string
	args   []string
	params map[string]string
	rest   string
}

// parseCommand parses `/name "quoted arg" bare key:value ...`.
func parseCommand(input string) (command, bool) {
	m := commandRe.FindStringSubmatch(input)
	if m == nil {
		return command{}, false
	}
	cmd := command{name: strings.ToLower(m[1]), params: map[string]string{}}
	var words []string
	for _, tok := range tokenize(input[len(m[0]):]) {
		if !tok.quoted {
			if k, v, ok := strings.Cut(tok.text, ":"); ok && k != "" && v != "" && !strings.Contains(k, "/") {
				cmd.params[strings.ToLower(k)] = v
				continue
			}
		}
		cmd.args = append(cmd.args, tok.text)
		words = append(words, tok.text)
	}
	cmd.rest = strings.Join(words, " ")
	return cmd, true
}

type token struct {
	text   string
	quoted bool
}

// tokenize splits on whitespace, keeping "double" or 'single' quoted runs
// together. An unterminated quote runs to the end of input.
func tokenize(s string) []token {
	var out []token
	var b strings.Builder
	var quote rune
	inToken := false
	flush := func(quoted bool) {
		if inToken || quoted {
			out = append(out, token{text: b.String(), quoted: quoted})
		}
		b.Reset()
		inToken = false
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				flush(true)
				continue
			}
			b.WriteRune(r)
		case r == '"' || r == '\'':
			flush(false)
			quote = r
		case unicode.IsSpace(r):
			flush(false)
		default:
			b.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		flush(true)
	} else {
		flush(false)
	}
	return out
}

// parsePriority finds the first priority marker and removes every marker.
func parsePriority(input string) (string, string) {
	var level string
	if m := priorityRe.FindStringSubmatch(input); m != nil {
		level = strings.ToLower(m[1])
	}
	return level, priorityRe.ReplaceAllString(input, " ")
}

// normalize lower-cases text and reduces it to space-separated words padded
// with spaces so phrase lookups can match on word boundaries.
func normalize(s string) string {
	f := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '/' || r == '-')
	})
	return " " + strings.Join(f, " ") + " "
}

func containsPhrase(normText, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normText, " "+p+" ")
}

func splitDomains(text string) []string {
	var out []string
	for _, part := range domainSepRe.Split(text, -1) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
