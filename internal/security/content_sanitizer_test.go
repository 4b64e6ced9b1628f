package security

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTextSanitizer_Clean(t *testing.T) {
	s := NewTextSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "Weekly AI digest", "Weekly AI digest"},
		{"strips tags", "<b>Breaking</b> <i>news</i>", "Breaking news"},
		{"drops script", `Hello<script>alert("x")</script>`, "Hello"},
		{"unescapes entities", "Tom &amp; Jerry &lt;3", "Tom & Jerry <3"},
		{"collapses whitespace", "  line one\n\n\tline two  ", "line one line two"},
		{"event attributes", `<a href="#" onclick="steal()">link</a>`, "link"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Clean(tt.input); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTextSanitizer_Truncates(t *testing.T) {
	s := NewTextSanitizer()
	got := s.Clean(strings.Repeat("長", maxTextLength+50))
	if n := utf8.RuneCountInString(got); n != maxTextLength {
		t.Errorf("文字数 = %d, want %d", n, maxTextLength)
	}
}

func TestTextSanitizer_Idempotent(t *testing.T) {
	s := NewTextSanitizer()
	once := s.Clean("<p>Fish &amp; Chips</p>")
	if twice := s.Clean(once); twice != once {
		t.Errorf("2回目のCleanで変化した: %q -> %q", once, twice)
	}
}
