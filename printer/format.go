package printer

import (
	"strings"
	"unicode"
)

// Format wraps text into lines of at most maxWidth runes, in reading order.
// Words are kept whole where possible; a word longer than a line is split.
// Newlines in text force a break, and a blank line between two paragraphs
// is kept as a single empty line. Whitespace-only text yields no lines.
func Format(text string, maxWidth int) []string {
	if maxWidth < 1 {
		maxWidth = 1
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var lines []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			if n := len(lines); n > 0 && lines[n-1] != "" {
				lines = append(lines, "")
			}
			continue
		}
		lines = append(lines, wrap([]rune(para), maxWidth)...)
	}
	return lines
}

// wrap expects rest to start and end with a non-space rune.
func wrap(rest []rune, width int) []string {
	var out []string
	for len(rest) > 0 {
		if len(rest) <= width {
			out = append(out, strings.TrimSpace(string(rest)))
			break
		}
		cut := width
		if !unicode.IsSpace(rest[width]) {
			for i := width - 1; i > 0; i-- {
				if unicode.IsSpace(rest[i]) {
					cut = i
					break
				}
			}
		}
		out = append(out, strings.TrimSpace(string(rest[:cut])))
		rest = trimLeftSpace(rest[cut:])
	}
	return out
}

func trimLeftSpace(r []rune) []rune {
	for len(r) > 0 && unicode.IsSpace(r[0]) {
		r = r[1:]
	}
	return r
}

// Reverse returns lines in the opposite order without touching the input.
func Reverse(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[len(lines)-1-i] = l
	}
	return out
}
