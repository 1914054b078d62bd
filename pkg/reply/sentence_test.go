package reply

import (
	"reflect"
	"testing"
)

func TestSentenceBuffer(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
		rest   string
	}{
		{
			name:   "single sentence",
			chunks: []string{"Hello world. "},
			want:   []string{"Hello world."},
		},
		{
			name:   "several terminators",
			chunks: []string{"First one. Second one! Third? "},
			want:   []string{"First one.", "Second one!", "Third?"},
		},
		{
			name:   "streamed chunks",
			chunks: []string{"The ", "quick ", "brown ", "fox.", " Jumps ", "over. "},
			want:   []string{"The quick brown fox.", "Jumps over."},
		},
		{
			name:   "terminator at end waits for next chunk",
			chunks: []string{"It costs 3.", "50 dollars. "},
			want:   []string{"It costs 3.50 dollars."},
		},
		{
			name:   "abbreviations and initials",
			chunks: []string{"Dr. Smith met J. Doe at 5 p.m. yesterday. "},
			want:   []string{"Dr. Smith met J. Doe at 5 p.m. yesterday."},
		},
		{
			name:   "closing quote stays with sentence",
			chunks: []string{`She said "hi." Then left. `},
			want:   []string{`She said "hi."`, "Then left."},
		},
		{
			name:   "newline ends a line",
			chunks: []string{"Sure thing\nAnything else"},
			want:   []string{"Sure thing"},
			rest:   "Anything else",
		},
		{
			name:   "unfinished text stays pending",
			chunks: []string{"No terminator here"},
			rest:   "No terminator here",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewSentenceBuffer()
			var got []string
			for _, c := range tt.chunks {
				got = append(got, b.Add(c)...)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("sentences = %q, want %q", got, tt.want)
			}
			if rest := b.Flush(); rest != tt.rest {
				t.Errorf("flush = %q, want %q", rest, tt.rest)
			}
			if b.Pending() != "" {
				t.Errorf("pending after flush = %q", b.Pending())
			}
		})
	}
}
