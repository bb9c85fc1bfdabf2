package query

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		repos  []string
		prompt string
	}{
		{
			name:   "two mentions with prompt",
			input:  "@svelte @daytona how do stores work?",
			repos:  []string{"daytona", "svelte"},
			prompt: "how do stores work?",
		},
		{
			name:   "case folding and dedupe",
			input:  "@Svelte @SVELTE @daytona x",
			repos:  []string{"daytona", "svelte"},
			prompt: "x",
		},
		{
			name:   "mention in the middle",
			input:  "how does @svelte handle reactivity deep down?",
			repos:  []string{"svelte"},
			prompt: "how does handle reactivity deep down?",
		},
		{
			name:   "no mentions",
			input:  "  plain   question  ",
			repos:  []string{},
			prompt: "plain question",
		},
		{
			name:   "only mentions",
			input:  "@a @b @A",
			repos:  []string{"a", "b"},
			prompt: "",
		},
		{
			name:   "reserved version suffix ignored",
			input:  "@svelte@v5 stores?",
			repos:  []string{"svelte"},
			prompt: "stores?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.input)
			if !reflect.DeepEqual(got.Repos, tt.repos) {
				t.Errorf("repos = %v, want %v", got.Repos, tt.repos)
			}
			if got.Prompt != tt.prompt {
				t.Errorf("prompt = %q, want %q", got.Prompt, tt.prompt)
			}
		})
	}
}

func TestParsePromptNeverContainsMention(t *testing.T) {
	inputs := []string{
		"@svelte @daytona how do stores work?",
		"nested @a@1.2.3 version",
		"@x@y trailing",
	}
	for _, input := range inputs {
		got := Parse(input)
		if mentionRegex.MatchString(got.Prompt) {
			t.Errorf("Parse(%q).Prompt = %q still contains a mention", input, got.Prompt)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	// Rendering a canonical parse as "@r1 @r2 prompt" and re-parsing
	// must be the identity.
	parsed := Parsed{Repos: []string{"alpha", "beta"}, Prompt: "why is it slow?"}

	rendered := ""
	for _, r := range parsed.Repos {
		rendered += "@" + r + " "
	}
	rendered += parsed.Prompt

	got := Parse(rendered)
	if !reflect.DeepEqual(got.Repos, parsed.Repos) {
		t.Errorf("round trip repos = %v, want %v", got.Repos, parsed.Repos)
	}
	if got.Prompt != parsed.Prompt {
		t.Errorf("round trip prompt = %q, want %q", got.Prompt, parsed.Prompt)
	}
}

func TestWorkspaceKey(t *testing.T) {
	key, err := WorkspaceKey([]string{"svelte", "daytona"})
	if err != nil {
		t.Fatalf("WorkspaceKey failed: %v", err)
	}
	if key != "daytona+svelte" {
		t.Errorf("key = %q, want %q", key, "daytona+svelte")
	}

	// Every permutation yields the same key.
	perm, err := WorkspaceKey([]string{"daytona", "svelte"})
	if err != nil {
		t.Fatalf("WorkspaceKey failed: %v", err)
	}
	if perm != key {
		t.Errorf("permutation key = %q, want %q", perm, key)
	}
}

func TestWorkspaceKeyEmpty(t *testing.T) {
	if _, err := WorkspaceKey(nil); err != ErrEmptySet {
		t.Errorf("expected ErrEmptySet, got %v", err)
	}
	if _, err := WorkspaceKey([]string{" ", ""}); err != ErrEmptySet {
		t.Errorf("expected ErrEmptySet for blank names, got %v", err)
	}
}

func TestParseKey(t *testing.T) {
	got := ParseKey("daytona+svelte")
	want := []string{"daytona", "svelte"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseKey = %v, want %v", got, want)
	}
	if ParseKey("") != nil {
		t.Error("ParseKey(\"\") should be nil")
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]string{"B", "a"}, []string{"b", "c"})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %v, want %v", got, want)
	}
}
