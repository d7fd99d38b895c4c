package ingest

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short text untouched", "grant", 10, "grant"},
		{"exact length untouched", "0123456789", 10, "0123456789"},
		{"long text gets ellipsis", "community arts", 10, "communi..."},
		{"tiny budget cuts hard", "grant", 3, "gra"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := TruncateText(tc.in, tc.max); got != tc.want {
				t.Errorf("TruncateText(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
			}
		})
	}
}

func TestTruncateTextMultibyte(t *testing.T) {
	in := strings.Repeat("é", 20)

	got := TruncateText(in, 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if utf8.RuneCountInString(got) != 10 {
		t.Errorf("expected 10 runes, got %d in %q", utf8.RuneCountInString(got), got)
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis suffix, got %q", got)
	}
}
