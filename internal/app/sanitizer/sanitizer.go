// Package sanitizer strips terminal control sequences from text that did not
// originate locally before it reaches the screen or the server.
package sanitizer

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	csiPattern = regexp.MustCompile(`\x1b\[[<>?=]?[0-9;:]*[ -/]*[@-~]`)
	oscPattern = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	// Charset selection and single-character escapes such as ESC 7.
	shortPattern = regexp.MustCompile(`\x1b(?:[()*+][0-9A-Za-z]|[0-9=>@-_a-z])`)
	// Mouse reports whose ESC was swallowed by the terminal.
	orphanedMousePattern = regexp.MustCompile(`\[<[0-9]+;[0-9]+;[0-9]+[Mm]`)
)

var sequencePatterns = []*regexp.Regexp{oscPattern, csiPattern, shortPattern, orphanedMousePattern}

type Sanitizer struct {
	singleLine bool
	tabWidth   int
	maxRunes   int
}

type Option func(*Sanitizer)

// SingleLine folds line breaks into single spaces.
func SingleLine() Option {
	return func(s *Sanitizer) { s.singleLine = true }
}

// TabWidth expands tabs to n spaces. Zero drops tabs.
func TabWidth(n int) Option {
	return func(s *Sanitizer) {
		if n >= 0 {
			s.tabWidth = n
		}
	}
}

// MaxRunes truncates the cleaned text, marking the cut with an ellipsis.
func MaxRunes(n int) Option {
	return func(s *Sanitizer) { s.maxRunes = n }
}

func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{tabWidth: 4}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Output is the sanitizer for agent-produced text shown in a transcript.
func Output() *Sanitizer { return New() }

// Prompt is the sanitizer for text typed or pasted into the prompt field.
func Prompt() *Sanitizer { return New(TabWidth(2)) }

func (s *Sanitizer) Clean(input string) string {
	if input == "" {
		return input
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "�")
	}
	if strings.ContainsAny(input, "\x1b[") {
		for _, pattern := range sequencePatterns {
			input = pattern.ReplaceAllString(input, "")
		}
	}
	input = strings.ReplaceAll(input, "\r\n", "\n")

	var b strings.Builder
	b.Grow(len(input))
	lastSpace := false
	for _, r := range input {
		switch {
		case r == '\n' || r == '\r':
			if s.singleLine {
				if !lastSpace {
					b.WriteByte(' ')
				}
				lastSpace = true
				continue
			}
			b.WriteByte('\n')
		case r == '\t':
			b.WriteString(strings.Repeat(" ", s.tabWidth))
		case r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0):
			continue
		default:
			b.WriteRune(r)
		}
		lastSpace = false
	}
	out := b.String()
	if s.maxRunes > 0 && utf8.RuneCountInString(out) > s.maxRunes {
		runes := []rune(out)
		out = string(runes[:s.maxRunes-1]) + "…"
	}
	return out
}
