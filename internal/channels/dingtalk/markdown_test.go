package dingtalk

import "testing"

func TestEnsureListSpacing(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "blank line inserted before list",
			in:   "Here are the steps:\n1. first\n2. second",
			want: "Here are the steps:\n\n1. first\n2. second",
		},
		{
			name: "consecutive items untouched",
			in:   "1. first\n2. second",
			want: "1. first\n2. second",
		},
		{
			name: "already spaced untouched",
			in:   "intro\n\n1. first",
			want: "intro\n\n1. first",
		},
		{
			name: "list at start untouched",
			in:   "1. first",
			want: "1. first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EnsureListSpacing(tt.in); got != tt.want {
				t.Errorf("EnsureListSpacing(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDedentCodeBlocks(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "indented fence dedented",
			in:   "  ```go\n  x := 1\n  ```",
			want: "```go\nx := 1\n```",
		},
		{
			name: "relative indentation preserved",
			in:   "  ```go\n  if x {\n    y()\n  }\n  ```",
			want: "```go\nif x {\n  y()\n}\n```",
		},
		{
			name: "unindented fence untouched",
			in:   "```\ncode\n```",
			want: "```\ncode\n```",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DedentCodeBlocks(tt.in); got != tt.want {
				t.Errorf("DedentCodeBlocks(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatCodeBlocks(t *testing.T) {
	in := "```py\nprint(1)\n\nprint(2)\n```"
	want := "```py\n> print(1)\n\n> print(2)\n```"
	if got := FormatCodeBlocks(in, "> "); got != want {
		t.Errorf("FormatCodeBlocks = %q, want %q", got, want)
	}
}

func TestNormalizeMarkdown(t *testing.T) {
	in := "steps:\n1. run\n  ```sh\n  ls\n  ```"
	want := "steps:\n\n1. run\n```sh\nls\n```"
	if got := NormalizeMarkdown(in, ""); got != want {
		t.Errorf("NormalizeMarkdown = %q, want %q", got, want)
	}
}
