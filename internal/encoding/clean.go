package encoding

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	CodeBlockPlaceholder = "[Code block removed]"
	TruncationMarker     = "\n\n[Content truncated for length]"
)

type replacement struct {
	re   *regexp.Regexp
	repl string
	// flanked rules skip matches that touch a letter or digit on either side.
	flanked bool
}

func rule(pattern, repl string) replacement {
	return replacement{re: regexp.MustCompile(pattern), repl: repl}
}

func flanked(pattern, repl string) replacement {
	return replacement{re: regexp.MustCompile(pattern), repl: repl, flanked: true}
}

// Order matters: comments and code go first so their content is not
// interpreted as markup.
var cleanRules = []replacement{
	rule(`(?s)<!--.*?-->`, ""),
	rule("(?s)```.*?```", CodeBlockPlaceholder),
	rule(`(?s)~~~.*?~~~`, CodeBlockPlaceholder),
	rule("`([^`\n]+)`", "$1"),
	rule(`!\[[^\]]*\]\([^)]*\)`, ""),
	rule(`!\[[^\]]*\]\[[^\]]*\]`, ""),
	rule(`\[([^\]]*)\]\([^)]*\)`, "$1"),
	rule(`(?m)^[ \t]*\[[^\]]+\]:[ \t]*\S+.*$`, ""),
	rule(`<[^>\n]+>`, ""),
	rule(`(?m)^[ \t]*#{1,6}[ \t]+`, ""),
	rule(`(?m)^[ \t]*([-*_][ \t]*){3,}$`, ""),
	rule(`(?m)^[ \t]*>[ \t]?`, ""),
	rule(`(?m)^[ \t]*[-*+][ \t]+`, ""),
	rule(`(?m)^[ \t]*\d+[.)][ \t]+`, ""),
	flanked(`\*\*([^*\s](?:[^*\n]*[^*\s])?)\*\*`, "$1"),
	rule(`\b__([^_\n]+)__\b`, "$1"),
	flanked(`\*([^*\s](?:[^*\n]*[^*\s])?)\*`, "$1"),
	rule(`\b_([^_\n]+)_\b`, "$1"),
	rule(`~~([^~\n]+)~~`, "$1"),
	rule(`[ \t]+`, " "),
	rule(`(?m)^ | $`, ""),
	rule(`\n{3,}`, "\n\n"),
}

// CleanReadme strips Markdown and HTML markup from a README and normalizes
// whitespace, leaving prose suitable for a prompt.
func CleanReadme(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range cleanRules {
		if r.flanked {
			s = replaceFlanked(r.re, s, r.repl)
			continue
		}
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return strings.TrimSpace(s)
}

// replaceFlanked replaces matches of re like ReplaceAllString, except those
// preceded or followed by a letter, digit or another asterisk, so 2*3*4
// stays as written.
func replaceFlanked(re *regexp.Regexp, s, repl string) string {
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(s, -1) {
		before, _ := utf8.DecodeLastRuneInString(s[:m[0]])
		after, _ := utf8.DecodeRuneInString(s[m[1]:])
		if isWordRune(before) || isWordRune(after) || before == '*' || after == '*' {
			continue
		}
		b.WriteString(s[last:m[0]])
		b.Write(re.ExpandString(nil, repl, s, m))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String()
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

// Truncate limits s to maxRunes characters. When a sentence ends within the
// last 20% of the limit the text is cut right after it. TruncationMarker is
// appended to truncated text.
func Truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	cut := string([]rune(s)[:maxRunes])
	end := max(
		strings.LastIndex(cut, ". "),
		strings.LastIndex(cut, "! "),
		strings.LastIndex(cut, "? "),
	)
	if end >= 0 && utf8.RuneCountInString(cut[:end]) > maxRunes*8/10 {
		cut = cut[:end+1]
	}
	return cut + TruncationMarker
}
