package intent

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// nameMatcher finds the agent's name, its aliases, or close misspellings
// of them in transcribed text. Multi-word names must appear as consecutive
// words.
type nameMatcher struct {
	names [][]string
}

func newNameMatcher(names ...string) *nameMatcher {
	m := &nameMatcher{}
	for _, n := range names {
		if w := words(n); len(w) > 0 {
			m.names = append(m.names, w)
		}
	}
	return m
}

// match returns the matched span of text.
func (m *nameMatcher) match(text string) (string, bool) {
	ws := words(text)
	for _, name := range m.names {
		for i := 0; i+len(name) <= len(ws); i++ {
			ok := true
			for j, target := range name {
				if !wordMatches(ws[i+j], target) {
					ok = false
					break
				}
			}
			if ok {
				return strings.Join(ws[i:i+len(name)], " "), true
			}
		}
	}
	return "", false
}

// words lowercases text and splits it on anything that is not a letter or
// digit.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalizeText(text string) string {
	return strings.Join(words(text), " ")
}

// wordMatches reports whether word is target or a plausible transcription
// of it. Short names need an exact match or a one-edit variant that also
// sounds the same.
func wordMatches(word, target string) bool {
	if word == target {
		return true
	}
	if utf8.RuneCountInString(target) < 3 || utf8.RuneCountInString(word) < 2 {
		return false
	}
	d := levenshtein(word, target)
	bound := editBound(target)
	if d <= bound {
		return true
	}
	return d <= bound+1 && soundex(word) == soundex(target)
}

func editBound(target string) int {
	switch n := utf8.RuneCountInString(target); {
	case n <= 3:
		return 0
	case n <= 6:
		return 1
	default:
		return 2
	}
}

// levenshtein returns the edit distance between a and b in runes.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// American Soundex digit per letter a..z. Vowels and y are '0' and
// separate repeated codes; h and w are '-' and do not.
const soundexCodes = "0123012-02245501262301-202"

// soundex returns the four-character Soundex code of s, ignoring anything
// that is not an ASCII letter.
func soundex(s string) string {
	out := make([]byte, 0, 4)
	var last byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c < 'a' || c > 'z' {
			continue
		}
		code := soundexCodes[c-'a']
		if len(out) == 0 {
			out = append(out, c-('a'-'A'))
			last = code
			continue
		}
		switch code {
		case '0':
			last = 0
		case '-':
		default:
			if code != last {
				out = append(out, code)
				if len(out) == 4 {
					return string(out)
				}
			}
			last = code
		}
	}
	if len(out) == 0 {
		return ""
	}
	for len(out) < 4 {
		out = append(out, '0')
	}
	return string(out)
}
