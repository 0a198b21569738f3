package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Split cuts text into speakable units of at most maxLen runes where
// possible. It is the complete-text form of the incremental cutting done
// by Chunker.
func Split(text string, maxLen int) []string {
	units, rest := cut(text, maxLen)
	if rest = strings.TrimSpace(rest); rest != "" {
		units = append(units, rest)
	}
	return units
}

// cut removes every unit that can be cut from the front of buf and returns
// them with the unconsumed remainder.
//
// A unit ends right after '.', '!' or '?' followed by whitespace or the end
// of buf. If buf exceeds maxLen runes with no such cut inside the limit, the
// unit ends at the last ',' or ';' before the limit, else at the last
// whitespace at or before the limit, else it is the whole buffer.
func cut(buf string, maxLen int) (units []string, rest string) {
	for {
		buf = strings.TrimLeftFunc(buf, unicode.IsSpace)
		if buf == "" {
			return units, ""
		}

		limit := byteLimit(buf, maxLen)

		if end := sentenceEnd(buf); end > 0 && end <= limit {
			units = appendUnit(units, buf[:end])
			buf = buf[end:]
			continue
		}

		if limit >= len(buf) {
			return units, buf
		}

		window := buf[:limit]
		if i := strings.LastIndexAny(window, ",;"); i >= 0 {
			units = appendUnit(units, buf[:i+1])
			buf = buf[i+1:]
			continue
		}
		if r, _ := utf8.DecodeRuneInString(buf[limit:]); unicode.IsSpace(r) {
			units = appendUnit(units, window)
			buf = buf[limit:]
			continue
		}
		if i := strings.LastIndexFunc(window, unicode.IsSpace); i > 0 {
			units = appendUnit(units, buf[:i])
			buf = buf[i:]
			continue
		}

		units = appendUnit(units, buf)
		return units, ""
	}
}

// sentenceEnd returns the byte offset just past the first sentence
// terminator, or -1.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 == len(s) {
				return i + 1
			}
			r, _ := utf8.DecodeRuneInString(s[i+1:])
			if unicode.IsSpace(r) {
				return i + 1
			}
		}
	}
	return -1
}

// byteLimit returns the byte length of the first maxLen runes of s.
func byteLimit(s string, maxLen int) int {
	if maxLen <= 0 {
		return len(s)
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return i
		}
		n++
	}
	return len(s)
}

func appendUnit(units []string, s string) []string {
	if s = strings.TrimSpace(s); s != "" {
		units = append(units, s)
	}
	return units
}
