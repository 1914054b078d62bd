package reply

import "strings"

// SentenceBuffer accumulates streamed text and extracts complete
// sentences. A terminator only counts once the character after it has
// arrived, so "3." followed by "5" is not split.
type SentenceBuffer struct {
	buf strings.Builder
}

// NewSentenceBuffer creates an empty buffer.
func NewSentenceBuffer() *SentenceBuffer {
	return &SentenceBuffer{}
}

// Add appends text and returns any sentences it completed.
func (b *SentenceBuffer) Add(text string) []string {
	b.buf.WriteString(text)
	content := b.buf.String()

	var sentences []string
	start := 0
	for i := 0; i < len(content); i++ {
		end, ok := sentenceEnd(content, i)
		if !ok {
			continue
		}
		if s := strings.TrimSpace(content[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
		i = end - 1
	}

	if start > 0 {
		b.buf.Reset()
		b.buf.WriteString(content[start:])
	}
	return sentences
}

// Flush returns the remaining text and clears the buffer.
func (b *SentenceBuffer) Flush() string {
	s := strings.TrimSpace(b.buf.String())
	b.buf.Reset()
	return s
}

// Pending returns buffered text without clearing it.
func (b *SentenceBuffer) Pending() string {
	return b.buf.String()
}

// sentenceEnd reports whether a sentence ends at the terminator at i and
// returns the index just past it and any closing quotes or brackets.
func sentenceEnd(s string, i int) (int, bool) {
	c := s[i]
	if c == '\n' {
		return i + 1, true
	}
	if c != '.' && c != '!' && c != '?' {
		return 0, false
	}
	if c == '.' && isAbbreviation(s, i) {
		return 0, false
	}

	j := i + 1
	for j < len(s) && strings.IndexByte(`"')]`, s[j]) >= 0 {
		j++
	}
	if j >= len(s) {
		return 0, false
	}
	switch s[j] {
	case ' ', '\n', '\r', '\t':
		return j, true
	}
	return 0, false
}

var abbreviations = []string{
	"dr.", "mr.", "mrs.", "ms.", "jr.", "sr.", "st.",
	"prof.", "inc.", "ltd.", "co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "u.s.", "u.k.",
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && s[start-1] != ' ' && s[start-1] != '\n' {
		start--
	}
	word := strings.ToLower(s[start : i+1])
	for _, abbr := range abbreviations {
		if word == abbr {
			return true
		}
	}
	// Single capital initial, e.g. "J. Smith".
	return i-start == 1 && s[i-1] >= 'A' && s[i-1] <= 'Z'
}
