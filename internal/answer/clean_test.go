package answer

import "testing"

func TestCleanKeepSources(t *testing.T) {
	raw := "The answer is 4[1].\n\nSources:\n[1](https://example.com/math)"
	if got := Clean(raw, true); got != raw {
		t.Errorf("expected untouched text with sources kept, got %q", got)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "citation markers stripped",
			in:   "The answer is 4[1][2]. Basic arithmetic[3].",
			want: "The answer is 4. Basic arithmetic.",
		},
		{
			name: "trailing source block dropped",
			in:   "Go is a programming language.\n\nhttps://go.dev\nhttps://en.wikipedia.org/wiki/Go",
			want: "Go is a programming language.",
		},
		{
			name: "numbered citation links dropped",
			in:   "Water boils at 100C[1].\n\n[1](https://example.com/boiling)\n[2](https://example.com/physics)",
			want: "Water boils at 100C.",
		},
		{
			name: "markdown link lines dropped",
			in:   "See the official docs.\n[Go Documentation](https://go.dev/doc)\n[Tour of Go](https://go.dev/tour)",
			want: "See the official docs.",
		},
		{
			name: "inline parenthesized url removed",
			in:   "The language homepage(https://go.dev) has tutorials.",
			want: "The language homepage has tutorials.",
		},
		{
			name: "blank runs collapsed",
			in:   "First paragraph.\n\n\n\nSecond paragraph.",
			want: "First paragraph.\n\nSecond paragraph.",
		},
		{
			name: "prose after source run survives",
			in:   "Intro.\nhttps://example.com/a\n\nhttps://example.com/b\nOutro.",
			want: "Intro.\nOutro.",
		},
		{
			name: "surrounding whitespace trimmed",
			in:   "\n\n  The answer.  \n\n",
			want: "The answer.",
		},
		{
			name: "empty input",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clean(tt.in, false); got != tt.want {
				t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSourceLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"https://example.com/page", true},
		{"http://example.com", true},
		{"(https://example.com/ref)", true},
		{"[1](https://example.com/a)", true},
		{"[Some Site](https://example.com)", true},
		{"(see https://example.com for details)", true},
		{"Plain prose with https://example.com inline", false},
		{"[not a link] plain brackets", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := isSourceLine(tt.line); got != tt.want {
				t.Errorf("isSourceLine(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}
